package service

import (
	"examguard_backend/internal/model"
	"testing"
)

func TestEnvironmentChecker(t *testing.T) {
	checker := NewEnvironmentChecker(newFakeClock(testStart))
	strict := &model.Exam{
		RequireLockdown:      true,
		RequireWebcam:        true,
		PreventCopyPaste:     true,
		BlockVirtualMachines: true,
		AllowedIPRange:       "10.0.0.0/8, 192.168.1.5",
	}
	full := EnvironmentReport{SecureBrowser: true, Webcam: true, CopyPasteDisabled: true}
	no := false

	cases := []struct {
		name   string
		exam   *model.Exam
		report EnvironmentReport
		ip, ua string
		ok     bool
		failed []string
	}{
		{"no requirements", &model.Exam{}, EnvironmentReport{}, "", "", true, nil},
		{"all satisfied", strict, full, "10.2.3.4", "Mozilla/5.0", true, nil},
		{"single allowed address", strict, full, "192.168.1.5", "Mozilla/5.0", true, nil},
		{"mapped ipv4", strict, full, "::ffff:10.1.1.1", "Mozilla/5.0", true, nil},
		{"outside range", strict, full, "172.16.0.1", "Mozilla/5.0", false, []string{"network"}},
		{"missing webcam", strict, EnvironmentReport{SecureBrowser: true, CopyPasteDisabled: true}, "10.0.0.1", "Mozilla/5.0", false, []string{"webcam"}},
		{"virtual machine", strict, full, "10.0.0.1", "Mozilla/5.0 VirtualBox", false, []string{"device"}},
		{"fullscreen exited", &model.Exam{}, EnvironmentReport{Fullscreen: &no}, "", "", false, []string{"fullscreen"}},
		{"bad client address", &model.Exam{AllowedIPRange: "10.0.0.0/8"}, EnvironmentReport{}, "unknown", "", false, []string{"network"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := checker.Evaluate(tc.exam, tc.report, tc.ip, tc.ua)
			if res.Verified != tc.ok {
				t.Fatalf("verified=%v, want %v (%+v)", res.Verified, tc.ok, res.Checks)
			}
			failed := res.Failed()
			if len(failed) != len(tc.failed) {
				t.Fatalf("failed checks %v, want %v", failed, tc.failed)
			}
			for i := range failed {
				if failed[i] != tc.failed[i] {
					t.Fatalf("failed checks %v, want %v", failed, tc.failed)
				}
			}
			if !res.CheckedAt.Equal(testStart) {
				t.Fatalf("unexpected check time %v", res.CheckedAt)
			}
		})
	}
}
