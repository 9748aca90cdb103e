package scheduling

// The flow of placing a pod is depicted as below:
// 1. A pod naming this scheduler in spec.schedulerName is created in the managed namespace and stays
//   Pending without a node;
// 2. schedulingController picks it up from the pod informer, re-reads it live and asks the Policy for a
//   Decision. The Policy takes a fresh snapshot of the local and remote nodes and of the running pods on
//   each of them;
// 3. A Bind decision is carried out by the Binder, which waits for the pod to run and evicts it if it
//   fails or never starts. An Evict decision (least-replica-first only) evicts a pod of a larger
//   workload from a local node, waits for it to leave and decides again;
// 4. A pod that cannot be placed anywhere is requeued after the pending retry interval;
// 5. Every rebalance interval the resync key triggers a rebalance pass: once every pod in the namespace
//   is Running, the first pod on a remote node that fits on a local node is evicted so that its
//   controller recreates it and step 2 places the replacement locally.
