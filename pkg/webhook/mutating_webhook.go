package webhook

import (
	"fmt"
	"io"
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/klog/v2"
)

// WebhookPath is where the pod mutating hook is served.
const WebhookPath = "/mutate-pods"

const defaultSchedulerName = "default-scheduler"

var (
	scheme = runtime.NewScheme()
	codecs = serializer.NewCodecFactory(scheme)
)

func init() {
	if err := admissionv1.AddToScheme(scheme); err != nil {
		panic(err)
	}
}

type patchOperation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// PodMutatingAdmissionHook points the pods of the managed namespace that do not name a scheduler
// at this scheduler.
type PodMutatingAdmissionHook struct {
	SchedulerName string
	Namespace     string
}

func NewPodMutatingAdmissionHook(schedulerName, namespace string) *PodMutatingAdmissionHook {
	return &PodMutatingAdmissionHook{SchedulerName: schedulerName, Namespace: namespace}
}

// Admit is called with every pod admission request the hook is registered for.
func (a *PodMutatingAdmissionHook) Admit(req *admissionv1.AdmissionRequest) *admissionv1.AdmissionResponse {
	klog.V(4).Infof("mutate %q operation for pod %s/%s", req.Operation, req.Namespace, req.Name)

	status := &admissionv1.AdmissionResponse{
		UID:     req.UID,
		Allowed: true,
	}

	// only mutate the request for pods
	if req.Resource.Group != "" || req.Resource.Resource != "pods" || len(req.SubResource) != 0 {
		return status
	}

	// only mutate create operation in the managed namespace
	if req.Operation != admissionv1.Create || req.Namespace != a.Namespace {
		return status
	}

	pod := &corev1.Pod{}
	if err := utiljson.Unmarshal(req.Object.Raw, pod); err != nil {
		status.Allowed = false
		status.Result = &metav1.Status{
			Status: metav1.StatusFailure, Code: http.StatusBadRequest, Reason: metav1.StatusReasonBadRequest,
			Message: err.Error(),
		}
		return status
	}

	// an explicit choice of scheduler is kept
	if len(pod.Spec.SchedulerName) != 0 && pod.Spec.SchedulerName != defaultSchedulerName {
		return status
	}

	patch, err := utiljson.Marshal([]patchOperation{
		{Op: "add", Path: "/spec/schedulerName", Value: a.SchedulerName},
	})
	if err != nil {
		status.Allowed = false
		status.Result = &metav1.Status{
			Status: metav1.StatusFailure, Code: http.StatusInternalServerError, Reason: metav1.StatusReasonInternalError,
			Message: err.Error(),
		}
		return status
	}

	status.Patch = patch
	pt := admissionv1.PatchTypeJSONPatch
	status.PatchType = &pt
	return status
}

// ServeHTTP decodes an AdmissionReview, admits it and writes the review back.
func (a *PodMutatingAdmissionHook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	review := &admissionv1.AdmissionReview{}
	if _, _, err := codecs.UniversalDeserializer().Decode(body, nil, review); err != nil {
		http.Error(w, fmt.Sprintf("unable to decode admission review: %v", err), http.StatusBadRequest)
		return
	}
	if review.Request == nil {
		http.Error(w, "admission review has no request", http.StatusBadRequest)
		return
	}

	review.Response = a.Admit(review.Request)
	review.Request = nil

	data, err := runtime.Encode(codecs.LegacyCodec(admissionv1.SchemeGroupVersion), review)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		klog.Errorf("Unable to write admission response: %v", err)
	}
}
