package state_test

import (
	"encoding/json"
	"testing"

	"github.com/thermobridge/thermobridge/internal/model"
	"github.com/thermobridge/thermobridge/internal/statevalue"
)

func jsonUnmarshal(raw string, v *statevalue.Value) error {
	return json.Unmarshal([]byte(raw), v)
}

func mustObject(t *testing.T, raw string) model.Object {
	t.Helper()
	return model.Object{Value: mustVal(t, raw)}
}
