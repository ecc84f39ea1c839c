package lib

import "testing"

func TestHostname(t *testing.T) {
	name := Hostname()
	if name == "" {
		t.Error("Hostname returned an empty string")
	}
}
