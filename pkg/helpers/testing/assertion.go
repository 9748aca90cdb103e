package testing

import (
	"testing"

	"github.com/openshift/library-go/pkg/operator/events"
	"github.com/openshift/library-go/pkg/operator/events/eventstesting"
	clienttesting "k8s.io/client-go/testing"
	"k8s.io/client-go/util/workqueue"
)

type FakeSyncContext struct {
	queueKey string
	queue    workqueue.RateLimitingInterface
	recorder events.Recorder
}

func (f FakeSyncContext) Queue() workqueue.RateLimitingInterface { return f.queue }
func (f FakeSyncContext) QueueKey() string                       { return f.queueKey }
func (f FakeSyncContext) Recorder() events.Recorder              { return f.recorder }

func NewFakeSyncContext(t *testing.T, queueKey string) *FakeSyncContext {
	return &FakeSyncContext{
		queueKey: queueKey,
		queue:    workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		recorder: eventstesting.NewTestingEventRecorder(t),
	}
}

// AssertActions asserts the actual actions have the expected action verb
func AssertActions(t *testing.T, actualActions []clienttesting.Action, expectedVerbs ...string) {
	t.Helper()
	if len(actualActions) != len(expectedVerbs) {
		t.Fatalf("expected %d call but got: %#v", len(expectedVerbs), actualActions)
	}
	for i, expected := range expectedVerbs {
		if actualActions[i].GetVerb() != expected {
			t.Errorf("expected %s action but got: %#v", expected, actualActions[i])
		}
	}
}

// AssertNoActions asserts no actions are happened
func AssertNoActions(t *testing.T, actualActions []clienttesting.Action) {
	t.Helper()
	AssertActions(t, actualActions)
}

// FilterWriteActions drops the get and list calls, leaving the actions that changed the cluster.
func FilterWriteActions(actions []clienttesting.Action) []clienttesting.Action {
	filtered := []clienttesting.Action{}
	for _, action := range actions {
		switch action.GetVerb() {
		case "get", "list", "watch":
			continue
		}
		filtered = append(filtered, action)
	}
	return filtered
}

// AssertSubresourceActions asserts the write actions target the expected pod subresources, in order.
// An empty subresource matches a write on the pod itself.
func AssertSubresourceActions(t *testing.T, actualActions []clienttesting.Action, expectedSubresources ...string) {
	t.Helper()
	writes := FilterWriteActions(actualActions)
	if len(writes) != len(expectedSubresources) {
		t.Fatalf("expected %d write calls but got: %#v", len(expectedSubresources), writes)
	}
	for i, expected := range expectedSubresources {
		if writes[i].GetSubresource() != expected {
			t.Errorf("expected %q subresource but got: %#v", expected, writes[i])
		}
	}
}
