package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/murmulab/chatpod/pkg/chatpod"
)

// podDevice is the simulated hardware surface the backend can poke at
// through tool calls. A real pod maps these onto amplifier and battery
// drivers.
type podDevice struct {
	volume  atomic.Int64
	started time.Time
}

func newPodDevice() *podDevice {
	d := &podDevice{started: time.Now()}
	d.volume.Store(70)
	return d
}

// registerDeviceTools exposes the pod's controls on the registry. The
// backend reads state with get_device_status before adjusting anything.
func registerDeviceTools(reg *chatpod.Registry, dev *podDevice) error {
	err := reg.Register("get_device_status",
		&jsonschema.Schema{Type: "object"},
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{
				"os":             runtime.GOOS,
				"arch":           runtime.GOARCH,
				"uptime_seconds": int(time.Since(dev.started).Seconds()),
				"audio_speaker": map[string]any{
					"volume": dev.volume.Load(),
					"muted":  dev.volume.Load() == 0,
				},
			}, nil
		})
	if err != nil {
		return err
	}

	setVolumeSchema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"volume": {
				Type:        "integer",
				Description: "absolute target volume in [0, 100]; 0 mutes",
			},
		},
		Required: []string{"volume"},
	}
	return reg.Register("set_volume", setVolumeSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Volume int64 `json:"volume"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Volume < 0 || in.Volume > 100 {
				return nil, fmt.Errorf("volume %d out of range [0, 100]", in.Volume)
			}
			dev.volume.Store(in.Volume)
			return map[string]any{"volume": in.Volume}, nil
		})
}
