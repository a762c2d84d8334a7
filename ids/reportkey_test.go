package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportKeyRoundTrip(t *testing.T) {
	cases := []ReportKey{
		DataSourceSummaryKey("A"),
		CrossSourceSummaryKey("B", "A"),
		EntitySizeBreakdownKey(3),
		EntityRelationBreakdownKey(0),
		TotalKey(),
		{Report: "DSS", Statistic: "", DataSource1: "", DataSource2: ""},
	}

	for _, k := range cases {
		t.Run(k.Format(), func(t *testing.T) {
			formatted := k.Format()
			parsed, ok := ParseReportKey(formatted)
			require.True(t, ok)
			assert.Equal(t, k, parsed)
			assert.Equal(t, formatted, parsed.Format())
		})
	}
}

func TestCrossSourceSummaryKeyIsOrderInvariant(t *testing.T) {
	assert.Equal(t, CrossSourceSummaryKey("A", "B"), CrossSourceSummaryKey("B", "A"))
}

func TestParseReportKeyRejectsMalformed(t *testing.T) {
	_, ok := ParseReportKey("no-colons-here")
	assert.False(t, ok)
}
