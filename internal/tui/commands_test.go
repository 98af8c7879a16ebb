package tui

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantArgs []string
		wantNil  bool
	}{
		{"/start demo", "/start", []string{"demo"}, false},
		{"/start alice:demo box1", "/start", []string{"alice:demo", "box1"}, false},
		{"/commit demo add toolchain", "/commit", []string{"demo", "add", "toolchain"}, false},
		{"/kill demo", "/kill", []string{"demo"}, false},
		{"  /shell demo  ", "/shell", []string{"demo"}, false},
		{"/quit", "/quit", nil, false},
		{"/", "", nil, true},
		{"not a command", "", nil, true},
		{"", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := ParseCommand(tt.input)
			if tt.wantNil {
				if cmd != nil {
					t.Errorf("expected nil, got %+v", cmd)
				}
				return
			}
			if cmd == nil {
				t.Fatal("expected command, got nil")
			}
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			if len(cmd.Args) != len(tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
			for i := range cmd.Args {
				if cmd.Args[i] != tt.wantArgs[i] {
					t.Errorf("Args[%d] = %q, want %q", i, cmd.Args[i], tt.wantArgs[i])
				}
			}
		})
	}
}

func TestUsageCoversCommands(t *testing.T) {
	for _, name := range []string{"/start", "/commit", "/kill", "/delete", "/shell", "/reconcile", "/quit"} {
		if usage[name] == "" {
			t.Errorf("no usage line for %s", name)
		}
	}
}
