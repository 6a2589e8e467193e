package libid

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "user library",
			raw:  "user",
			want: "user",
		},
		{
			name: "publications library",
			raw:  "publications",
			want: "publications",
		},
		{
			name: "group library",
			raw:  "group:12345",
			want: "group:12345",
		},
		{
			name:    "unknown kind",
			raw:     "feed:77",
			wantErr: true,
		},
		{
			name:    "group without ID",
			raw:     "group",
			wantErr: true,
		},
		{
			name:    "group with empty ID",
			raw:     "group:",
			wantErr: true,
		},
		{
			name:    "group with non-numeric ID",
			raw:     "group:abc",
			wantErr: true,
		},
		{
			name:    "group with zero ID",
			raw:     "group:0",
			wantErr: true,
		},
		{
			name:    "group with negative ID",
			raw:     "group:-4",
			wantErr: true,
		},
		{
			name:    "user with suffix",
			raw:     "user:123",
			wantErr: true,
		},
		{
			name:    "uppercase kind",
			raw:     "User",
			wantErr: true,
		},
		{
			name:    "empty string",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Parse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if id.String() != tt.want {
				t.Errorf("Parse(%q) = %q, want %q", tt.raw, id.String(), tt.want)
			}
		})
	}
}

func TestMustParse(t *testing.T) {
	t.Run("valid input", func(t *testing.T) {
		id := MustParse("group:12345")
		if id.String() != "group:12345" {
			t.Errorf("MustParse() = %q, want %q", id.String(), "group:12345")
		}
	})

	t.Run("invalid input panics", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic for invalid library ID")
			}
		}()

		MustParse("invalid")
	})
}

func TestGroup(t *testing.T) {
	tests := []struct {
		name    string
		groupID int64
		want    string
		wantErr bool
	}{
		{"positive ID", 98765, "group:98765", false},
		{"zero ID", 0, "", true},
		{"negative ID", -1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Group(tt.groupID)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if id.String() != tt.want {
				t.Errorf("Group(%d) = %q, want %q", tt.groupID, id.String(), tt.want)
			}
		})
	}
}

func TestID_Kind(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want string
	}{
		{"user", User(), "user"},
		{"publications", Publications(), "publications"},
		{"group", MustParse("group:42"), "group"},
		{"zero value", ID{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Kind(); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestID_GroupID(t *testing.T) {
	tests := []struct {
		name string
		id   ID
		want int64
	}{
		{"group returns numeric ID", MustParse("group:12345"), 12345},
		{"user returns zero", User(), 0},
		{"publications returns zero", Publications(), 0},
		{"zero value returns zero", ID{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.GroupID(); got != tt.want {
				t.Errorf("GroupID() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestID_Prefix(t *testing.T) {
	tests := []struct {
		name   string
		id     ID
		userID int64
		want   string
	}{
		{"user", User(), 475425, "/users/475425"},
		{"publications", Publications(), 475425, "/users/475425/publications"},
		{"group ignores user ID", MustParse("group:12345"), 475425, "/groups/12345"},
		{"zero value", ID{}, 475425, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Prefix(tt.userID); got != tt.want {
				t.Errorf("Prefix(%d) = %q, want %q", tt.userID, got, tt.want)
			}
		})
	}
}

func TestID_Topic(t *testing.T) {
	tests := []struct {
		name   string
		id     ID
		userID int64
		want   string
	}{
		{"user", User(), 475425, "/users/475425"},
		{"publications shares user topic", Publications(), 475425, "/users/475425"},
		{"group", MustParse("group:12345"), 475425, "/groups/12345"},
		{"zero value", ID{}, 475425, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.Topic(tt.userID); got != tt.want {
				t.Errorf("Topic(%d) = %q, want %q", tt.userID, got, tt.want)
			}
		})
	}
}

func TestID_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b ID
		want int
	}{
		{"user before publications", User(), Publications(), -1},
		{"publications before group", Publications(), MustParse("group:1"), -1},
		{"groups ascending", MustParse("group:100"), MustParse("group:200"), -1},
		{"equal groups", MustParse("group:7"), MustParse("group:7"), 0},
		{"equal users", User(), User(), 0},
		{"group after user", MustParse("group:1"), User(), 1},
		{"non-zero before zero", User(), ID{}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestID_MapKey(t *testing.T) {
	// IDs parsed from equal strings must collide as map keys.
	m := map[ID]int{
		MustParse("group:555"): 1,
		User():                 2,
	}

	if m[MustParse("group:555")] != 1 {
		t.Error("parsed group ID should hit the same map slot")
	}

	if m[MustParse("user")] != 2 {
		t.Error("parsed user ID should hit the same map slot")
	}
}

func TestID_IsZero(t *testing.T) {
	if !(ID{}).IsZero() {
		t.Error("zero-value ID should be zero")
	}

	if User().IsZero() {
		t.Error("non-zero ID should not be zero")
	}
}

func TestID_MarshalText(t *testing.T) {
	data, err := MustParse("group:12345").MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}

	if string(data) != "group:12345" {
		t.Errorf("MarshalText() = %q, want %q", string(data), "group:12345")
	}
}

func TestID_UnmarshalText(t *testing.T) {
	var id ID

	err := id.UnmarshalText([]byte("publications"))
	if err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}

	if !id.IsPublications() {
		t.Errorf("UnmarshalText result = %q, want publications", id.String())
	}
}

func TestID_UnmarshalText_Invalid(t *testing.T) {
	var id ID

	err := id.UnmarshalText([]byte("group:x"))
	if err == nil {
		t.Error("UnmarshalText(\"group:x\") should return error")
	}
}

func TestID_UnmarshalText_Empty(t *testing.T) {
	var id ID

	err := id.UnmarshalText(nil)
	if err != nil {
		t.Fatalf("UnmarshalText(nil) error: %v", err)
	}

	if !id.IsZero() {
		t.Errorf("UnmarshalText(nil) = %q, want zero ID", id.String())
	}
}

func TestID_TextRoundTrip(t *testing.T) {
	original := MustParse("group:4504245")

	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}

	var restored ID
	if err := restored.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}

	if original != restored {
		t.Errorf("round-trip failed: original=%q, restored=%q", original.String(), restored.String())
	}
}

func TestID_ScanValue(t *testing.T) {
	t.Run("string round-trip", func(t *testing.T) {
		original := MustParse("group:12345")

		v, err := original.Value()
		if err != nil {
			t.Fatalf("Value() error: %v", err)
		}

		var restored ID
		if err := restored.Scan(v); err != nil {
			t.Fatalf("Scan() error: %v", err)
		}

		if original != restored {
			t.Errorf("round-trip failed: original=%q, restored=%q", original.String(), restored.String())
		}
	})

	t.Run("zero ID writes NULL", func(t *testing.T) {
		v, err := (ID{}).Value()
		if err != nil {
			t.Fatalf("Value() error: %v", err)
		}

		if v != nil {
			t.Errorf("zero ID Value() = %v, want nil", v)
		}
	})

	t.Run("NULL scans to zero ID", func(t *testing.T) {
		var id ID
		if err := id.Scan(nil); err != nil {
			t.Fatalf("Scan(nil) error: %v", err)
		}

		if !id.IsZero() {
			t.Errorf("Scan(nil) = %q, want zero ID", id.String())
		}
	})

	t.Run("bytes scan", func(t *testing.T) {
		var id ID
		if err := id.Scan([]byte("user")); err != nil {
			t.Fatalf("Scan([]byte) error: %v", err)
		}

		if !id.IsUser() {
			t.Errorf("Scan([]byte) = %q, want user", id.String())
		}
	})

	t.Run("unsupported type", func(t *testing.T) {
		var id ID
		if err := id.Scan(42); err == nil {
			t.Error("Scan(int) should return error")
		}
	})
}
