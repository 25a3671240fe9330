package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThirdFriday(t *testing.T) {
	assert.Equal(t, time.Date(2025, time.December, 19, 0, 0, 0, 0, time.UTC), ThirdFriday(2025, time.December))
	assert.Equal(t, time.Date(2026, time.March, 20, 0, 0, 0, 0, time.UTC), ThirdFriday(2026, time.March))
	assert.Equal(t, time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC), ThirdFriday(2024, time.March))
}

func TestActive(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		want string
	}{
		{"mid quarter", time.Date(2025, time.October, 15, 12, 0, 0, 0, time.UTC), "NQZ5"},
		{"day before roll", time.Date(2025, time.December, 7, 23, 59, 0, 0, time.UTC), "NQZ5"},
		{"roll day", time.Date(2025, time.December, 8, 0, 0, 0, 0, time.UTC), "NQH6"},
		{"after expiry in december", time.Date(2025, time.December, 24, 0, 0, 0, 0, time.UTC), "NQH6"},
		{"january", time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC), "NQH6"},
		{"march roll", time.Date(2026, time.March, 9, 0, 0, 0, 0, time.UTC), "NQM6"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Active("nq", tc.now))
		})
	}
}
