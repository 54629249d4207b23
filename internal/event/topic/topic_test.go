package topic

import "testing"

func TestTopic_Segments(t *testing.T) {
	tests := []struct {
		topic    Topic
		expected []string
	}{
		{Topic("debug.cache.changed"), []string{"debug", "cache", "changed"}},
		{Topic("single"), []string{"single"}},
		{Topic(""), nil},
	}

	for _, tt := range tests {
		t.Run(tt.topic.String(), func(t *testing.T) {
			got := tt.topic.Segments()
			if len(got) != len(tt.expected) {
				t.Fatalf("Segments() = %v, want %v", got, tt.expected)
			}
			for i, seg := range got {
				if seg != tt.expected[i] {
					t.Errorf("Segments()[%d] = %v, want %v", i, seg, tt.expected[i])
				}
			}
		})
	}
}

func TestTopic_IsValid(t *testing.T) {
	tests := []struct {
		topic Topic
		valid bool
	}{
		{"debug.cache.changed", true},
		{"debug", true},
		{"", false},
		{".debug", false},
		{"debug.", false},
		{"debug..cache", false},
	}

	for _, tt := range tests {
		if got := tt.topic.IsValid(); got != tt.valid {
			t.Errorf("Topic(%q).IsValid() = %v, want %v", tt.topic, got, tt.valid)
		}
	}
}

func TestTopic_Matches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"debug.cache.changed", "debug.cache.changed", true},
		{"debug.cache.changed", "debug.cache.updated", false},
		{"debug.cache.changed", "debug.*.changed", true},
		{"debug.cache.changed", "debug.*", false},
		{"debug.cache", "debug.*", true},
		{"debug.cache.changed", "debug.**", true},
		{"debug", "debug.**", true},
		{"debug.cache.changed", "**", true},
		{"debug.cache.changed", "**.changed", true},
		{"debug.cache.changed", "*.changed", false},
		{"debug.cache", "debug.cache.changed", false},
	}

	for _, tt := range tests {
		if got := tt.topic.Matches(tt.pattern); got != tt.want {
			t.Errorf("Topic(%q).Matches(%q) = %v, want %v", tt.topic, tt.pattern, got, tt.want)
		}
	}
}

func TestTopic_ChildAndJoin(t *testing.T) {
	if got := Topic("debug").Child("cache"); got != "debug.cache" {
		t.Errorf("Child() = %q", got)
	}
	if got := Topic("").Child("debug"); got != "debug" {
		t.Errorf("Child() on empty = %q", got)
	}
	if got := Join("debug", "runstate", "changed"); got != "debug.runstate.changed" {
		t.Errorf("Join() = %q", got)
	}
	if !Topic("debug.*").IsWildcard() || Topic("debug.cache").IsWildcard() {
		t.Error("IsWildcard() mismatch")
	}
}
