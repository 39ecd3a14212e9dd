package instances

import (
	"fmt"
	"os"
)

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

func (r *DoctorReport) add(name, status, message string) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: message})
}

// Failed reports whether any check failed.
func (r *DoctorReport) Failed() bool {
	for _, c := range r.Checks {
		if c.Status == "fail" {
			return true
		}
	}
	return false
}

func checkStateDir(r *DoctorReport, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.add("state_dir", "fail", fmt.Sprintf("cannot create instance state directory %s: %v", dir, err))
		return
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		r.add("state_dir", "fail", fmt.Sprintf("instance state directory %s is not writable: %v", dir, err))
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	r.add("state_dir", "pass", fmt.Sprintf("instance state directory %s is writable", dir))
}
