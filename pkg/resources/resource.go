package resources

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"
)

const (
	// bytesInKi divides a bare byte count, miInKi and giInKi scale Mi and Gi into Ki.
	bytesInKi = int64(1024)
	miInKi    = int64(1024)
	giInKi    = miInKi * 1024
)

// Quantity is the canonical form every cpu/memory amount is converted to before comparison.
type Quantity struct {
	// MilliCPU is cpu in millicores.
	MilliCPU int64 `json:"milliCPU"`
	// MemoryKi is memory in kibibytes.
	MemoryKi int64 `json:"memoryKi"`
}

func (q Quantity) Add(o Quantity) Quantity {
	return Quantity{MilliCPU: q.MilliCPU + o.MilliCPU, MemoryKi: q.MemoryKi + o.MemoryKi}
}

func (q Quantity) Sub(o Quantity) Quantity {
	return Quantity{MilliCPU: q.MilliCPU - o.MilliCPU, MemoryKi: q.MemoryKi - o.MemoryKi}
}

func (q Quantity) String() string {
	return fmt.Sprintf("cpu=%dm memory=%dKi", q.MilliCPU, q.MemoryKi)
}

// NormalizeCPU converts a cpu quantity string into millicores.
// "250m" is taken as millicores, anything else as a (possibly fractional) number of cores.
// Unparsable values count as 0.
func NormalizeCPU(s string) int64 {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0
	}

	if strings.HasSuffix(s, "m") {
		v, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			klog.Warningf("Unable to parse cpu quantity %q, treating it as 0: %v", s, err)
			return 0
		}
		return v
	}

	cores, err := strconv.ParseFloat(s, 64)
	if err != nil {
		klog.Warningf("Unable to parse cpu quantity %q, treating it as 0: %v", s, err)
		return 0
	}
	return int64(cores * 1000)
}

// NormalizeMemory converts a memory quantity string into kibibytes.
// Ki, Mi and Gi suffixes are recognized; a bare number is bytes. Unparsable values count as 0.
func NormalizeMemory(s string) int64 {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return 0
	}

	number, multiplier, bytes := s, int64(1), false
	switch {
	case strings.HasSuffix(s, "Ki"):
		number = strings.TrimSuffix(s, "Ki")
	case strings.HasSuffix(s, "Mi"):
		number, multiplier = strings.TrimSuffix(s, "Mi"), miInKi
	case strings.HasSuffix(s, "Gi"):
		number, multiplier = strings.TrimSuffix(s, "Gi"), giInKi
	default:
		bytes = true
	}

	v, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		klog.Warningf("Unable to parse memory quantity %q, treating it as 0: %v", s, err)
		return 0
	}
	if bytes {
		return floorDiv(v, bytesInKi)
	}
	if v > math.MaxInt64/multiplier || v < math.MinInt64/multiplier {
		klog.Warningf("Memory quantity %q overflows, treating it as 0", s)
		return 0
	}
	return v * multiplier
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Fits returns true if both the spare cpu and the spare memory cover the request.
func Fits(allocatable, used, requested Quantity) bool {
	spare := allocatable.Sub(used)
	return spare.MilliCPU >= requested.MilliCPU && spare.MemoryKi >= requested.MemoryKi
}

// FromResourceList normalizes the cpu and memory entries of a resource list.
func FromResourceList(list corev1.ResourceList) Quantity {
	q := Quantity{}
	if cpu, ok := list[corev1.ResourceCPU]; ok {
		q.MilliCPU = NormalizeCPU(cpu.String())
	}
	if memory, ok := list[corev1.ResourceMemory]; ok {
		q.MemoryKi = NormalizeMemory(memory.String())
	}
	return q
}

// ContainerRequests sums the requests of the regular containers of a pod.
func ContainerRequests(pod *corev1.Pod) Quantity {
	total := Quantity{}
	if pod == nil {
		return total
	}
	for _, container := range pod.Spec.Containers {
		if len(container.Resources.Requests) == 0 {
			continue
		}
		total = total.Add(FromResourceList(container.Resources.Requests))
	}
	return total
}
