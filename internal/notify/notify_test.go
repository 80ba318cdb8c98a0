package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"iot-sentinel/internal/models"
)

func TestMultiNotifier(t *testing.T) {
	var got []string
	a := NotifierFunc(func(_ context.Context, u models.DeviceUpdate) { got = append(got, "a:"+u.DeviceID) })
	b := NotifierFunc(func(_ context.Context, u models.DeviceUpdate) { got = append(got, "b:"+u.DeviceID) })

	m := NewMultiNotifier(a, nil, b)
	m.Notify(context.Background(), models.DeviceUpdate{DeviceID: "D1"})

	assert.Equal(t, []string{"a:D1", "b:D1"}, got)
}

func TestNilMultiNotifier(t *testing.T) {
	var m *MultiNotifier
	assert.NotPanics(t, func() { m.Notify(context.Background(), models.DeviceUpdate{}) })
}
