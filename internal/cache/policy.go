package cache

// Placement thresholds. Small hot items stay in process; anything that fits
// a network round trip goes to the shared layer; oversized payloads skip L1
// entirely so a handful of large values cannot crowd out the working set.
const (
	// smallItemBytes is the payload size below which a high-priority item
	// qualifies for L1-only placement
	smallItemBytes = 1024

	// mediumItemBytes is the payload size below which an item may be held
	// in L1 alongside its L2 copy
	mediumItemBytes = 10 * 1024

	// hotPriority is the minimum priority treated as "keep close"
	hotPriority = 3

	// l1PressureThreshold is the L1 fill ratio above which medium items are
	// no longer duplicated into L1
	l1PressureThreshold = 0.80
)

// Placement is the set of layers a write targets
type Placement struct {
	L1 bool
	L2 bool
	L3 bool
}

// Layers lists the targeted layers in ascending order
func (p Placement) Layers() []Layer {
	layers := make([]Layer, 0, 3)
	if p.L1 {
		layers = append(layers, LayerL1)
	}
	if p.L2 {
		layers = append(layers, LayerL2)
	}
	if p.L3 {
		layers = append(layers, LayerL3)
	}
	return layers
}

// placeItem decides which layers a write should land on.
//
// A forced layer is exclusive: the item goes there and nowhere else. Without
// a force, placement is driven by payload size and priority: small
// high-priority items stay L1-only, medium items go to L2 and are duplicated
// into L1 while it has headroom, and everything else is L2-only. The far
// layer is never a default write target; it receives data only through an
// explicit force or a promotion.
func placeItem(size, priority int, force Layer, l1Utilization float64) Placement {
	if force.Valid() {
		return Placement{
			L1: force == LayerL1,
			L2: force == LayerL2,
			L3: force == LayerL3,
		}
	}

	if size < smallItemBytes && priority >= hotPriority {
		return Placement{L1: true}
	}

	if size < mediumItemBytes {
		return Placement{
			L1: l1Utilization < l1PressureThreshold,
			L2: true,
		}
	}

	return Placement{L2: true}
}

// promoteOnHit decides whether an item read from a slower layer should be
// copied into faster ones. Promotion follows the same size gates as
// placement: payloads too large for L1 are promoted only as far as L2.
func promoteOnHit(hit Layer, size int, l1Utilization float64) Placement {
	switch hit {
	case LayerL2:
		return Placement{L1: size < mediumItemBytes && l1Utilization < l1PressureThreshold}
	case LayerL3:
		return Placement{
			L1: size < mediumItemBytes && l1Utilization < l1PressureThreshold,
			L2: true,
		}
	default:
		return Placement{}
	}
}
