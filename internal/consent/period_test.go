package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jan(day int) time.Time { return Date(2024, time.January, day) }
func feb(day int) time.Time { return Date(2024, time.February, day) }

func TestIntersect(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Period
		want    Period
		overlap bool
	}{
		{"partial overlap", NewPeriod(jan(1), jan(20)), NewPeriod(jan(10), jan(31)), NewPeriod(jan(10), jan(20)), true},
		{"contained", NewPeriod(jan(1), jan(31)), NewPeriod(jan(5), jan(6)), NewPeriod(jan(5), jan(6)), true},
		{"touching single day", NewPeriod(jan(1), jan(10)), NewPeriod(jan(10), jan(20)), NewPeriod(jan(10), jan(10)), true},
		{"disjoint", NewPeriod(jan(1), jan(10)), NewPeriod(feb(1), feb(10)), Period{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Intersect(tt.b)
			assert.Equal(t, tt.overlap, ok)
			assert.Equal(t, tt.want, got)

			reversed, ok := tt.b.Intersect(tt.a)
			assert.Equal(t, tt.overlap, ok)
			assert.Equal(t, tt.want, reversed)
		})
	}
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name string
		p    Period
		deny Period
		want []Period
	}{
		{
			name: "deny in the middle splits",
			p:    NewPeriod(jan(1), jan(31)),
			deny: NewPeriod(jan(10), jan(20)),
			want: []Period{NewPeriod(jan(1), jan(9)), NewPeriod(jan(21), jan(31))},
		},
		{
			name: "no overlap is unchanged",
			p:    NewPeriod(jan(1), jan(10)),
			deny: NewPeriod(feb(1), feb(10)),
			want: []Period{NewPeriod(jan(1), jan(10))},
		},
		{
			name: "fully covered",
			p:    NewPeriod(jan(5), jan(10)),
			deny: NewPeriod(jan(1), jan(31)),
			want: []Period{},
		},
		{
			name: "deny covers the start",
			p:    NewPeriod(jan(5), jan(20)),
			deny: NewPeriod(jan(1), jan(10)),
			want: []Period{NewPeriod(jan(11), jan(20))},
		},
		{
			name: "deny covers the end",
			p:    NewPeriod(jan(5), jan(20)),
			deny: NewPeriod(jan(15), feb(1)),
			want: []Period{NewPeriod(jan(5), jan(14))},
		},
		{
			name: "remainder crosses month boundary",
			p:    NewPeriod(jan(1), feb(10)),
			deny: NewPeriod(jan(20), jan(31)),
			want: []Period{NewPeriod(jan(1), jan(19)), NewPeriod(feb(1), feb(10))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Subtract(tt.deny))
		})
	}
}

func TestMergeConcatenates(t *testing.T) {
	a := NonContinuousPeriod{NewPeriod(jan(5), jan(20))}
	b := NonContinuousPeriod{NewPeriod(jan(1), jan(10))}

	merged := a.Merge(b)

	assert.Equal(t, NonContinuousPeriod{NewPeriod(jan(5), jan(20)), NewPeriod(jan(1), jan(10))}, merged)
	assert.Len(t, a, 1)
}

func TestUpdateTightensStart(t *testing.T) {
	periods := NonContinuousPeriod{NewPeriod(jan(1), jan(31)), NewPeriod(feb(1), feb(20))}

	updated := periods.Update(NewPeriod(jan(15), jan(16)))

	assert.Equal(t, NonContinuousPeriod{NewPeriod(jan(15), jan(31)), NewPeriod(feb(1), feb(20))}, updated)
	assert.Equal(t, jan(1), periods[0].Start, "receiver must not be modified")
}

func TestUpdateIgnoresBoundaryStarts(t *testing.T) {
	periods := NonContinuousPeriod{NewPeriod(jan(1), jan(31))}

	assert.Equal(t, periods, periods.Update(NewPeriod(jan(1), jan(2))))
	assert.Equal(t, periods, periods.Update(NewPeriod(jan(31), feb(2))))
	assert.Equal(t, periods, periods.Update(NewPeriod(feb(5), feb(6))))
}

func TestWithinIsStrict(t *testing.T) {
	periods := NonContinuousPeriod{NewPeriod(jan(1), jan(10)), NewPeriod(feb(1), feb(28))}

	assert.True(t, periods.Within(NewPeriod(jan(2), jan(9))))
	assert.True(t, periods.Within(NewPeriod(feb(14), feb(14))))
	assert.False(t, periods.Within(NewPeriod(jan(1), jan(5))), "start on boundary")
	assert.False(t, periods.Within(NewPeriod(jan(5), jan(10))), "end on boundary")
	assert.False(t, periods.Within(NewPeriod(jan(5), feb(5))), "spans the gap")
	assert.False(t, NonContinuousPeriod{}.Within(NewPeriod(jan(5), jan(5))))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("2024-01-05T10:00:00+01:00", "2024-02")
	require.NoError(t, err)
	assert.Equal(t, NewPeriod(jan(5), feb(1)), p)

	single, err := ParsePeriod("2024", "")
	require.NoError(t, err)
	assert.Equal(t, NewPeriod(jan(1), jan(1)), single)

	_, err = ParsePeriod("24-1", "")
	assert.Error(t, err)
}
