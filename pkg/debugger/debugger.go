package debugger

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/klog/v2"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/controllers/scheduling"
)

const DebugPath = "/debug/scheduler/"

// Decider is the part of the policy the debugger needs.
type Decider interface {
	Decide(ctx context.Context, unit *cluster.WorkloadUnit, allowEviction bool) (scheduling.Decision, error)
}

// Debugger answers where a pod would be placed right now, without changing anything.
type Debugger struct {
	view    cluster.View
	decider Decider
}

type DebugResult struct {
	Unit     *cluster.WorkloadUnit `json:"unit,omitempty"`
	Decision *scheduling.Decision  `json:"decision,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func NewDebugger(view cluster.View, decider Decider) *Debugger {
	return &Debugger{view: view, decider: decider}
}

// Handler serves GET /debug/scheduler/<namespace>/<name>.
func (d *Debugger) Handler(w http.ResponseWriter, r *http.Request) {
	namespace, name, err := parseNamespacedName(r.URL.Path)
	if err != nil {
		d.reportErr(w, http.StatusBadRequest, err)
		return
	}

	unit, err := d.view.GetUnit(r.Context(), namespace, name)
	if err != nil {
		d.reportErr(w, http.StatusNotFound, err)
		return
	}

	result := DebugResult{Unit: unit}
	decision, err := d.decider.Decide(r.Context(), unit, true)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Decision = &decision
	}
	d.write(w, http.StatusOK, result)
}

func parseNamespacedName(path string) (string, string, error) {
	key := strings.Trim(strings.TrimPrefix(path, DebugPath), "/")
	parts := strings.Split(key, "/")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return "", "", fmt.Errorf("expected path %s<namespace>/<name>, but got %q", DebugPath, path)
	}
	return parts[0], parts[1], nil
}

func (d *Debugger) reportErr(w http.ResponseWriter, code int, err error) {
	d.write(w, code, DebugResult{Error: err.Error()})
}

func (d *Debugger) write(w http.ResponseWriter, code int, result DebugResult) {
	resultByte, err := utiljson.Marshal(result)
	if err != nil {
		klog.Errorf("Unable to encode debug result: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(resultByte); err != nil {
		klog.Errorf("Unable to write debug result: %v", err)
	}
}
