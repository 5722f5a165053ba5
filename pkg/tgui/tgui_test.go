package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 4, "hel…"},
		{"привет", 3, "пр…"},
		{"ab", 1, "…"},
		{"ab", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestBuilderEscapesAndAttachesButton(t *testing.T) {
	t.Parallel()

	m := New().
		Title("📰", "A <b> & C").
		KV("Source", "Habr").
		Blank().
		HTML(Link("Read more", "https://x.example/?a=1&b=2")).
		Button("Open source", "https://x.example").
		Build()

	want := "📰 <b>A &lt;b&gt; &amp; C</b>\n• <b>Source</b>: Habr\n\n<a href=\"https://x.example/?a=1&amp;b=2\">Read more</a>"
	if m.Text != want {
		t.Fatalf("Text = %q\nwant   %q", m.Text, want)
	}
	if m.Opt.ParseMode != ModeHTML || !m.Opt.DisablePreview {
		t.Fatalf("Opt = %+v", m.Opt)
	}
	if m.Opt.LinkButton == nil || m.Opt.LinkButton.URL != "https://x.example" {
		t.Fatalf("LinkButton = %+v", m.Opt.LinkButton)
	}
}

func TestJoinHSkipsBlank(t *testing.T) {
	t.Parallel()

	if got := JoinH(" | ", B("a"), "", I("b")); got != "<b>a</b> | <i>b</i>" {
		t.Fatalf("JoinH() = %q", got)
	}
}
