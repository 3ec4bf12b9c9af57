package version

import (
	"encoding/json"
	"testing"
)

func TestVersion(t *testing.T) {
	t.Parallel()
	i := GetInfo()
	ij, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal info: %v", err)
	}
	t.Logf("received info:\n%s", string(ij))
}

func TestUserAgent(t *testing.T) {
	t.Parallel()
	i := Info{VCSRef: "0123456789ab"}
	if ua := i.UserAgent("regmirror"); ua != "regmirror (0123456789ab)" {
		t.Errorf("unexpected user agent: %s", ua)
	}
	i.VCSTag = "v1.0.0"
	if ua := i.UserAgent("regmirror"); ua != "regmirror (v1.0.0)" {
		t.Errorf("unexpected user agent: %s", ua)
	}
}
