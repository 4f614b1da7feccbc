package common

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureCLI(t *testing.T) {
	t.Setenv("BIDCORETEST_POLL_INTERVAL", "3s")
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	ConfigureCLI(v, "BIDCORETEST", []Flag{
		{Name: "node-url", DefValue: "http://127.0.0.1:9053", Description: "node"},
		{Name: "poll-interval", DefValue: time.Second, Description: "poll"},
		{Name: "early-selection", DefValue: false, Description: "early"},
		{Name: "amount", DefValue: uint64(0), Description: "amount"},
	}, fs)
	require.NoError(t, fs.Parse([]string{"--amount", "42"}))

	assert.Equal(t, "http://127.0.0.1:9053", v.GetString("node-url"))
	assert.Equal(t, 3*time.Second, v.GetDuration("poll-interval"))
	assert.False(t, v.GetBool("early-selection"))
	assert.Equal(t, uint64(42), v.GetUint64("amount"))
}

func TestParseStringSlice(t *testing.T) {
	v := viper.New()
	v.Set("percentages", []string{"20, 30", "50"})
	assert.Equal(t, []string{"20", "30", "50"}, ParseStringSlice(v, "percentages"))
}

func TestFinalizer(t *testing.T) {
	var order []int
	var f Finalizer
	f.AddFn(func() error { order = append(order, 1); return nil })
	f.AddFn(func() error { order = append(order, 2); return errors.New("second") })
	f.AddFn(func() error { order = append(order, 3); return errors.New("third") })

	err := f.Cleanup()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.Contains(t, err.Error(), "third")
	assert.Equal(t, []int{3, 2, 1}, order)
	require.NoError(t, f.Cleanup())
}
