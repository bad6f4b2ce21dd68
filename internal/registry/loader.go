// Package registry discovers model assets on disk. A vision model ships as
// two GGUF files: the decoder weights and an "mmproj" vision projector; the
// scanner classifies each file so callers can pair them up.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"vlmd/internal/common/fsutil"
	"vlmd/pkg/types"
)

var quantRe = regexp.MustCompile(`(?i)(q\d[^.]*|f16|f32|bf16)`)

// ScanDir scans a directory for *.gguf files and classifies each as decoder
// weights or a vision projector based on its filename. Results are sorted by
// ID for stable output.
func ScanDir(dir string) ([]types.Asset, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var assets []types.Asset
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		assets = append(assets, types.Asset{
			ID:    name,
			Name:  strings.TrimSuffix(name, filepath.Ext(name)),
			Path:  filepath.Join(abs, name),
			Quant: quantOf(name),
			Kind:  classify(name),
		})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

// classify distinguishes a vision projector from decoder weights. The
// llama.cpp convention is an "mmproj" substring in the projector filename.
func classify(name string) types.AssetKind {
	if strings.Contains(strings.ToLower(name), "mmproj") {
		return types.AssetProjector
	}
	return types.AssetModel
}

// quantOf extracts the quantization variant from a filename, e.g.
// "Q4_K_M" from "smolvlm2-500m-q4_k_m.gguf". Empty when unrecognizable.
func quantOf(name string) string {
	m := quantRe.FindString(strings.TrimSuffix(name, filepath.Ext(name)))
	return strings.ToUpper(m)
}

// PickPair selects the first decoder/projector pair from assets. It is the
// convenience used when the config names a models_dir instead of explicit
// paths; ambiguity is not an error, the sorted-first entries win.
func PickPair(assets []types.Asset) (model, projector types.Asset, err error) {
	var haveM, haveP bool
	for _, a := range assets {
		switch a.Kind {
		case types.AssetModel:
			if !haveM {
				model, haveM = a, true
			}
		case types.AssetProjector:
			if !haveP {
				projector, haveP = a, true
			}
		}
	}
	if !haveM {
		return model, projector, fmt.Errorf("no decoder weights (*.gguf) found")
	}
	if !haveP {
		return model, projector, fmt.Errorf("no vision projector (mmproj*.gguf) found")
	}
	return model, projector, nil
}
