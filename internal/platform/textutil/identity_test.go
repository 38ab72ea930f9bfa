package textutil

import "testing"

func TestSanitizeText(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "collapses whitespace", input: "  Kim \t  Minji \n", want: "Kim Minji"},
		{name: "strips markup", input: "<b>Kim</b> <script>x</script>Minji", want: "Kim Minji"},
		{name: "full width folded", input: "ＡＢＣ　１２", want: "ABC 12"},
		{name: "keeps ampersand", input: "Tom & Jerry", want: "Tom & Jerry"},
		{name: "empty", input: "   ", want: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeText(tc.input); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	if got := NormalizePhone("010-1234-5678"); got != "01012345678" {
		t.Fatalf("unexpected phone %q", got)
	}
	if got := NormalizePhone("０１０ １２３４"); got != "0101234" {
		t.Fatalf("expected full width digits to normalise, got %q", got)
	}
	if got := NormalizePhone("n/a"); got != "" {
		t.Fatalf("expected empty phone, got %q", got)
	}
}

func TestOptionalText(t *testing.T) {
	if OptionalText(nil, NormalizeName) != nil {
		t.Fatalf("expected nil for nil input")
	}
	blank := "  "
	if OptionalText(&blank, NormalizeName) != nil {
		t.Fatalf("expected nil for blank input")
	}
	value := " Lee  Jun "
	got := OptionalText(&value, NormalizeName)
	if got == nil || *got != "Lee Jun" {
		t.Fatalf("unexpected value %v", got)
	}
}

func TestFoldKey(t *testing.T) {
	if FoldKey("Kim") != FoldKey("KIM") {
		t.Fatalf("expected case folding to match")
	}
}
