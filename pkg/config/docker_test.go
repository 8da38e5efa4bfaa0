package config

import "testing"

func TestHostForDocker(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		inDocker bool
		want     string
	}{
		{"localhost outside docker", "localhost", false, "localhost"},
		{"localhost inside docker", "localhost", true, "host.docker.internal"},
		{"loopback inside docker", "127.0.0.1", true, "host.docker.internal"},
		{"remote host inside docker", "db.example.com", true, "db.example.com"},
		{"remote host outside docker", "db.example.com", false, "db.example.com"},
		{"already the docker host", "host.docker.internal", true, "host.docker.internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hostForDocker(tt.host, tt.inDocker); got != tt.want {
				t.Errorf("hostForDocker(%q, %v) = %q, want %q", tt.host, tt.inDocker, got, tt.want)
			}
		})
	}
}

func TestIsRunningInDocker_Stable(t *testing.T) {
	// The detection is cached; repeated calls must agree.
	first := IsRunningInDocker()
	for i := 0; i < 3; i++ {
		if IsRunningInDocker() != first {
			t.Fatal("IsRunningInDocker() changed between calls")
		}
	}
}
