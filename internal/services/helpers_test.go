package services

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRewardCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := generateRewardCode()
		assert.Regexp(t, `^[A-Z]{5}[0-9]{3}$`, code)
		seen[code] = true
	}
	// 100 draws from a 26^5 * 10^3 space should not all collide
	assert.Greater(t, len(seen), 90)
}

func TestGenerateBatchID(t *testing.T) {
	assert.Regexp(t, `^BATCH-\d{14}-[A-Z]{4}$`, generateBatchID())
}

func TestGenerateReferralCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.Regexp(t, `^[A-Z0-9]{8}$`, generateReferralCode())
	}
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		url     string
		page    int
		perPage int
	}{
		{"/codes/history", 1, 10},
		{"/codes/history?page=3&per_page=25", 3, 25},
		{"/codes/history?page=0", 1, 10},
		{"/codes/history?page=-2&per_page=500", 1, 10},
		{"/codes/history?per_page=abc", 1, 10},
	}

	for _, c := range cases {
		r := httptest.NewRequest("GET", c.url, nil)
		page, perPage := parsePagination(r)
		assert.Equal(t, c.page, page, c.url)
		assert.Equal(t, c.perPage, perPage, c.url)
	}
}
