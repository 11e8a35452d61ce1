package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_Unmarshal(t *testing.T) {
	tbl := []struct {
		name     string
		input    string
		expected time.Duration
		err      bool
	}{
		{"string form", `v: 30m`, 30 * time.Minute, false},
		{"quoted string", `v: "1h30m"`, 90 * time.Minute, false},
		{"bare int is seconds", `v: 90`, 90 * time.Second, false},
		{"garbage", `v: soon`, 0, true},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			var res struct {
				V Duration `yaml:"v"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &res)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, res.V.D())
		})
	}
}

func TestDuration_Marshal(t *testing.T) {
	data, err := yaml.Marshal(struct {
		V Duration `yaml:"v"`
	}{V: Duration(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "v: 5s\n", string(data))
}
