package halgpu

import "github.com/gogpu/gbatch/backend"

func init() {
	backend.Register(backend.BackendNoop, func() (backend.Device, error) {
		d, err := OpenNoop()
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}

var _ backend.Device = (*Device)(nil)
