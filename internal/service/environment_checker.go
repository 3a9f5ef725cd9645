package service

import (
	"examguard_backend/internal/model"
	"net/netip"
	"strings"
	"time"
)

// EnvironmentReport 客户端上报的考试环境
type EnvironmentReport struct {
	SecureBrowser     bool  `json:"secureBrowser"`
	Webcam            bool  `json:"webcam"`
	CopyPasteDisabled bool  `json:"copyPasteDisabled"`
	Fullscreen        *bool `json:"fullscreen,omitempty"`
	BrowserIntegrity  *bool `json:"browserIntegrity,omitempty"`
}

type EnvironmentCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type EnvironmentResult struct {
	Verified  bool               `json:"verified"`
	Checks    []EnvironmentCheck `json:"checks"`
	CheckedAt time.Time          `json:"checkedAt"`
}

// Failed 未通过的检查项名称
func (r EnvironmentResult) Failed() []string {
	var names []string
	for _, c := range r.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

var vmIndicators = []string{"virtualbox", "vmware", "qemu", "parallels", "hyper-v", "xen", "headlesschrome", "phantomjs"}

type EnvironmentChecker struct {
	clock Clock
}

func NewEnvironmentChecker(clock Clock) *EnvironmentChecker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &EnvironmentChecker{clock: clock}
}

// Evaluate 按考试要求逐项检查，只检查考试开启的项目
func (c *EnvironmentChecker) Evaluate(exam *model.Exam, report EnvironmentReport, ip, userAgent string) EnvironmentResult {
	var checks []EnvironmentCheck

	if exam.RequireLockdown {
		checks = append(checks, EnvironmentCheck{Name: "lockdown_browser", Passed: report.SecureBrowser})
	}
	if exam.RequireWebcam {
		checks = append(checks, EnvironmentCheck{Name: "webcam", Passed: report.Webcam})
	}
	if exam.PreventCopyPaste {
		checks = append(checks, EnvironmentCheck{Name: "copy_paste_disabled", Passed: report.CopyPasteDisabled})
	}
	if exam.AllowedIPRange != "" {
		checks = append(checks, checkIPRange(exam.AllowedIPRange, ip))
	}
	if exam.BlockVirtualMachines {
		checks = append(checks, checkVirtualMachine(userAgent))
	}
	if report.Fullscreen != nil {
		checks = append(checks, EnvironmentCheck{Name: "fullscreen", Passed: *report.Fullscreen})
	}
	if report.BrowserIntegrity != nil {
		checks = append(checks, EnvironmentCheck{Name: "browser_integrity", Passed: *report.BrowserIntegrity})
	}

	verified := true
	for _, ch := range checks {
		verified = verified && ch.Passed
	}
	return EnvironmentResult{Verified: verified, Checks: checks, CheckedAt: c.clock.Now()}
}

// checkIPRange 支持逗号分隔的多个 CIDR 或单个地址
func checkIPRange(ranges, ip string) EnvironmentCheck {
	check := EnvironmentCheck{Name: "network"}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		check.Detail = "client address unavailable"
		return check
	}
	addr = addr.Unmap()
	for _, r := range strings.Split(ranges, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			if single, err := netip.ParseAddr(r); err == nil && single.Unmap() == addr {
				check.Passed = true
				return check
			}
			continue
		}
		prefix, err := netip.ParsePrefix(r)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			check.Passed = true
			return check
		}
	}
	check.Detail = "address outside allowed range"
	return check
}

func checkVirtualMachine(userAgent string) EnvironmentCheck {
	ua := strings.ToLower(userAgent)
	for _, ind := range vmIndicators {
		if strings.Contains(ua, ind) {
			return EnvironmentCheck{Name: "device", Passed: false, Detail: "virtual machine indicator: " + ind}
		}
	}
	return EnvironmentCheck{Name: "device", Passed: true}
}
