package main

import (
	"testing"
)

func TestParseOptions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr bool
	}{
		{"none", nil, map[string]string{}, false},
		{"simple", []string{"map=dust", "rounds=3"}, map[string]string{"map": "dust", "rounds": "3"}, false},
		{"value with equals", []string{"expr=a=b"}, map[string]string{"expr": "a=b"}, false},
		{"empty value", []string{"reason="}, map[string]string{"reason": ""}, false},
		{"missing equals", []string{"map"}, nil, true},
		{"empty name", []string{"=x"}, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOptions(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseOptions() error = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if len(got) != len(tc.want) {
				t.Fatalf("parseOptions() = %v, want %v", got, tc.want)
			}
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("option %q = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestRootCommands(t *testing.T) {
	want := []string{"init", "run", "secret", "status", "commands", "agents", "invoke", "select", "bans", "unban", "reload", "probe", "service"}
	cmds := map[string]bool{}
	for _, c := range []interface{ Name() string }{
		initCmd(), runCmd(), secretCmd(), statusCmd(), commandsCmd(), agentsCmd(),
		invokeCmd(), selectCmd(), bansCmd(), unbanCmd(), reloadCmd(), probeCmd(), serviceCmd(),
	} {
		cmds[c.Name()] = true
	}
	for _, name := range want {
		if !cmds[name] {
			t.Errorf("missing command %q", name)
		}
	}
}
