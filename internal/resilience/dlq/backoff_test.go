package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_Delay(t *testing.T) {
	s := Schedule(DefaultSchedule)

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{-1, 0},
		{0, 0},
		{1, 5 * time.Minute},
		{2, 30 * time.Minute},
		{3, 2 * time.Hour},
		{4, 6 * time.Hour},
		{5, 6 * time.Hour},
		{50, 6 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.retries), "retries=%d", tt.retries)
	}

	assert.Equal(t, time.Duration(0), Schedule(nil).Delay(3))
}
