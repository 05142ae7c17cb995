package session

// Wheel describes a rotating wheel zone.
type Wheel struct {
	Zone   string     `json:"zone"`
	Center [3]float64 `json:"center"`
}

// ZoneMap names the engine zones a job addresses. It is fixed per vehicle
// variant and built before any session call is made.
type ZoneMap struct {
	// Aero zones integrate forces and projected area.
	Aero []string `json:"aero"`
	// BoundaryLayer zones receive prism layers and report y+.
	BoundaryLayer []string `json:"boundary_layer"`
	Inlet         string   `json:"inlet"`
	Outlet        string   `json:"outlet"`
	Ground        string   `json:"ground"`
	Symmetry      string   `json:"symmetry,omitempty"`
	Wheels        []Wheel  `json:"wheels,omitempty"`
	// Stationary walls, such as wheel blocks, are pinned explicitly.
	Stationary []string `json:"stationary,omitempty"`
}

// All returns every named zone, without duplicates, in a stable order.
func (z ZoneMap) All() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	add(z.Aero...)
	add(z.BoundaryLayer...)
	add(z.Inlet, z.Outlet, z.Ground, z.Symmetry)
	for _, w := range z.Wheels {
		add(w.Zone)
	}
	add(z.Stationary...)
	return out
}
