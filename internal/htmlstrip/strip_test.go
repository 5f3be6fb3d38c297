package htmlstrip

import (
	"strings"
	"testing"
)

func TestStrip_Paragraphs(t *testing.T) {
	in := "<html><body><p>Hi team,</p><p>How many days holiday do we get?</p></body></html>"
	got := Strip(in)
	want := "Hi team,\nHow many days holiday do we get?"
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStrip_DiscardsStyleAndScript(t *testing.T) {
	in := `<html><head><style>p{color:red}</style></head><body><script>alert(1)</script><p>visible</p></body></html>`
	got := Strip(in)
	if got != "visible" {
		t.Errorf("Strip = %q, want %q", got, "visible")
	}
}

func TestStrip_TableLayout(t *testing.T) {
	in := `<table><tr><td>Ticket:</td><td>ARG-20250603-0001</td></tr><tr><td>Priority: Normal</td></tr></table>`
	got := Strip(in)
	if !strings.Contains(got, "Ticket: ARG-20250603-0001") {
		t.Errorf("Strip = %q, want cells joined on one line", got)
	}
	if !strings.Contains(got, "\nPriority: Normal") {
		t.Errorf("Strip = %q, want rows on separate lines", got)
	}
}

func TestStrip_BreakTags(t *testing.T) {
	in := "line one<br>line two<br/>line three"
	got := Strip(in)
	want := "line one\nline two\nline three"
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStrip_CollapsesWhitespace(t *testing.T) {
	in := "<p>spread   over\n   several\t lines</p>"
	got := Strip(in)
	want := "spread over several lines"
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStrip_InlineTagsKeepWordBoundaries(t *testing.T) {
	in := "<p>Thank you for contacting <b>Argan</b> <i>HR</i> Consultancy</p>"
	got := Strip(in)
	want := "Thank you for contacting Argan HR Consultancy"
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}

func TestStrip_Empty(t *testing.T) {
	if got := Strip(""); got != "" {
		t.Errorf("Strip(\"\") = %q, want empty", got)
	}
}

func TestStrip_Entities(t *testing.T) {
	in := "<p>Fish &amp; Chips &lt;ltd&gt;</p>"
	got := Strip(in)
	want := "Fish & Chips <ltd>"
	if got != want {
		t.Errorf("Strip = %q, want %q", got, want)
	}
}
