package clusters

import "zigbee-actions/internal/zcl"

// All is the built-in custom cluster table.
var All = []zcl.ClusterDef{
	PhilipsPairing,
}

// RegisterAll adds the built-in custom clusters to the registry.
func RegisterAll(r *zcl.Registry) error {
	for _, c := range All {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
