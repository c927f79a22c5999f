package monitor

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
)

// MetricFunc returns a snapshot of metric name -> value.
type MetricFunc func(st kernel.Status) map[string]float64

// Collectors are the metric groups exposed under /metrics, keyed by prefix.
var Collectors = map[string]MetricFunc{
	"tinykern_frames": func(st kernel.Status) map[string]float64 {
		return map[string]float64{
			"total":     float64(st.Frames.Total),
			"in_use":    float64(st.Frames.InUse),
			"page_size": float64(st.Frames.PageSize),
		}
	},
	"tinykern_swap": func(st kernel.Status) map[string]float64 {
		return map[string]float64{
			"slots":         float64(st.Swap.Capacity),
			"slots_used":    float64(st.Swap.Used),
			"sector_reads":  float64(st.Swap.Device.Reads),
			"sector_writes": float64(st.Swap.Device.Writes),
		}
	},
	"tinykern_procs": func(st kernel.Status) map[string]float64 {
		m := map[string]float64{"count": float64(len(st.Processes))}
		var fds, resident, swapped int
		for _, p := range st.Processes {
			fds += len(p.Descriptors)
			resident += p.Memory.Resident
			swapped += p.Memory.Swapped
		}
		m["descriptors"] = float64(fds)
		m["pages_resident"] = float64(resident)
		m["pages_swapped"] = float64(swapped)
		return m
	},
	"tinykern": func(st kernel.Status) map[string]float64 {
		halted := 0.0
		if st.Halted {
			halted = 1
		}
		return map[string]float64{"halted": halted}
	},
}

// metricsHandler writes every collector in text exposition format with
// stable ordering.
func metricsHandler(src StatusSource, collectors map[string]MetricFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		st := src.Status()
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			snapshot := collectors[name](st)
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	}
}

func sanitizeMetricToken(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			b[i] = c
		} else {
			b[i] = '_'
		}
	}
	if len(b) > 0 && b[0] >= '0' && b[0] <= '9' {
		return "_" + string(b)
	}
	return strings.ReplaceAll(string(b), "__", "_")
}
