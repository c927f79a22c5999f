package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsExposition(t *testing.T) {
	srv := httptest.NewServer(Handler(fakeSource{sampleStatus()}, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, line := range []string{
		"tinykern_frames_in_use 3\n",
		"tinykern_swap_slots_used 2\n",
		"tinykern_procs_descriptors 3\n",
		"tinykern_halted 0\n",
	} {
		if !strings.Contains(string(body), line) {
			t.Fatalf("missing %q in\n%s", line, body)
		}
	}
	if strings.Index(string(body), "tinykern_halted") > strings.Index(string(body), "tinykern_frames_total") {
		t.Fatal("collectors should be sorted by prefix")
	}
}

func TestSanitizeMetricToken(t *testing.T) {
	cases := map[string]string{
		"swap.slots": "swap_slots",
		"9lives":     "_9lives",
		"a-b":        "a_b",
	}
	for in, want := range cases {
		if got := sanitizeMetricToken(in); got != want {
			t.Fatalf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
