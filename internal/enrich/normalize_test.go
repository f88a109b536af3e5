package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMPN(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"LM358", "LM358"},
		{"lm358-n", "LM358N"},
		{"LM358 N", "LM358N"},
		{"  stm32_f103/c8t6  ", "STM32F103C8T6"},
		{"GRM188R71H104KA93D", "GRM188R71H104KA93D"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMPN(tt.raw), "raw %q", tt.raw)
	}
}

func TestNormalizeManufacturer(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Texas Instruments", "texas instruments"},
		{"Texas Instruments Inc.", "texas instruments"},
		{"TEXAS INSTRUMENTS INCORPORATED", "texas instruments"},
		{"Würth Elektronik GmbH", "wurth elektronik"},
		{"STMicroelectronics", "stmicroelectronics"},
		{"Murata Electronics", "murata"},
		{"Infineon Technologies AG", "infineon"},
		{"Yageo Corp", "yageo"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeManufacturer(tt.raw), "raw %q", tt.raw)
	}
}

func TestNormalizeManufacturerKeepsLoneSuffixWord(t *testing.T) {
	// A name that is nothing but a suffix word must not normalize to "".
	assert.Equal(t, "semiconductor", NormalizeManufacturer("Semiconductor"))
}
