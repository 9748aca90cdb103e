package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	jsonpatch "github.com/evanphx/json-patch"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utiljson "k8s.io/apimachinery/pkg/util/json"

	testinghelpers "github.com/hybrid-edge/tiered-scheduler/pkg/helpers/testing"
)

var podsResource = metav1.GroupVersionResource{Group: "", Version: "v1", Resource: "pods"}

func newRequest(t *testing.T, operation admissionv1.Operation, pod *corev1.Pod) *admissionv1.AdmissionRequest {
	raw, err := utiljson.Marshal(pod)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return &admissionv1.AdmissionRequest{
		UID:       "uid1",
		Resource:  podsResource,
		Namespace: pod.Namespace,
		Name:      pod.Name,
		Operation: operation,
		Object:    runtime.RawExtension{Raw: raw},
	}
}

func TestAdmit(t *testing.T) {
	hook := NewPodMutatingAdmissionHook("local-first-scheduler", "default")

	cases := []struct {
		name                  string
		request               *admissionv1.AdmissionRequest
		expectedAllowed       bool
		expectedSchedulerName string
	}{
		{
			name:                  "pod without scheduler",
			request:               newRequest(t, admissionv1.Create, testinghelpers.NewPod("default", "pod1").Build()),
			expectedAllowed:       true,
			expectedSchedulerName: "local-first-scheduler",
		},
		{
			name:                  "pod with default scheduler",
			request:               newRequest(t, admissionv1.Create, testinghelpers.NewPod("default", "pod1").WithSchedulerName("default-scheduler").Build()),
			expectedAllowed:       true,
			expectedSchedulerName: "local-first-scheduler",
		},
		{
			name:            "pod with another scheduler",
			request:         newRequest(t, admissionv1.Create, testinghelpers.NewPod("default", "pod1").WithSchedulerName("gpu-scheduler").Build()),
			expectedAllowed: true,
		},
		{
			name:            "pod in another namespace",
			request:         newRequest(t, admissionv1.Create, testinghelpers.NewPod("kube-system", "pod1").Build()),
			expectedAllowed: true,
		},
		{
			name:            "update is ignored",
			request:         newRequest(t, admissionv1.Update, testinghelpers.NewPod("default", "pod1").Build()),
			expectedAllowed: true,
		},
		{
			name: "malformed pod",
			request: &admissionv1.AdmissionRequest{
				Resource:  podsResource,
				Namespace: "default",
				Operation: admissionv1.Create,
				Object:    runtime.RawExtension{Raw: []byte("{")},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := hook.Admit(c.request)
			if resp.Allowed != c.expectedAllowed {
				t.Fatalf("expected allowed %v, but got %v", c.expectedAllowed, resp.Allowed)
			}
			if len(c.expectedSchedulerName) == 0 {
				if len(resp.Patch) != 0 {
					t.Errorf("expected no patch, but got %s", resp.Patch)
				}
				return
			}

			patch, err := jsonpatch.DecodePatch(resp.Patch)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			patched, err := patch.Apply(c.request.Object.Raw)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			pod := &corev1.Pod{}
			if err := utiljson.Unmarshal(patched, pod); err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if pod.Spec.SchedulerName != c.expectedSchedulerName {
				t.Errorf("expected scheduler %q, but got %q", c.expectedSchedulerName, pod.Spec.SchedulerName)
			}
		})
	}
}

func TestServeHTTP(t *testing.T) {
	hook := NewPodMutatingAdmissionHook("local-first-scheduler", "default")
	review := &admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"},
		Request:  newRequest(t, admissionv1.Create, testinghelpers.NewPod("default", "pod1").Build()),
	}
	body, err := utiljson.Marshal(review)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	recorder := httptest.NewRecorder()
	hook.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, but got %d: %s", recorder.Code, recorder.Body.String())
	}

	actual := &admissionv1.AdmissionReview{}
	if err := utiljson.Unmarshal(recorder.Body.Bytes(), actual); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if actual.Response == nil || !actual.Response.Allowed || actual.Response.UID != "uid1" || len(actual.Response.Patch) == 0 {
		t.Errorf("unexpected response %#v", actual.Response)
	}

	recorder = httptest.NewRecorder()
	hook.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader([]byte("not a review"))))
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, but got %d", recorder.Code)
	}
}
