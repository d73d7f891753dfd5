package kernelpath

import (
	"fmt"

	"github.com/clocksmith/doppler-sub019/internal/manifest"
)

// ValidateWeightRefs checks spec.md §8's quantified property: for every
// layer index and phase, getLayerSteps's steps resolve against man after
// {L} substitution. It walks every role present in the path's decode map
// (the broadest role set any phase can reference).
func ValidateWeightRefs(rp *ResolvedPath, man *manifest.Manifest, layerCount int) error {
	for role := range rp.Path.Decode {
		for layer := 0; layer < layerCount; layer++ {
			for _, phase := range []Phase{PhaseDecode, PhasePrefill} {
				steps, err := rp.GetLayerSteps(role, layer, phase)
				if err != nil {
					return err
				}
				for _, step := range steps {
					for _, ref := range step.WeightRefs {
						resolved := ResolveWeightRef(ref, layer)
						if _, ok := man.TensorByName(resolved); !ok {
							return fmt.Errorf("kernelpath: step %q layer %d: weight ref %q (resolved %q) not in manifest",
								step.Op, layer, ref, resolved)
						}
					}
				}
			}
		}
	}
	return nil
}
