//go:build !linux

package agent

import (
	"errors"

	"github.com/fosrl/verdict/tunfilter"
)

func openQueue(Config, *tunfilter.InspectorConfig) (backend, error) {
	return nil, errors.New("the nfqueue backend is only available on linux")
}
