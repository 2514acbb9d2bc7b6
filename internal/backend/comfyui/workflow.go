package comfyui

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/seefan21/outpaint-batch/internal/outpaint"
)

// node is one entry of an API-format ComfyUI workflow. The template itself is
// operator-supplied and opaque; only a handful of well-known node classes get
// parameters injected.
type node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
	Meta      json.RawMessage        `json:"_meta,omitempty"`
}

type workflow map[string]*node

var requiredNodeClasses = []string{
	"LoadImage",
	"ImagePadForOutpaint",
	"KSampler",
	"VAEEncode",
	"VAEDecode",
	"SaveImage",
}

func loadWorkflow(path string) (workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read workflow %s: %w", path, err)
	}
	// some exports wrap the node map in a "prompt" key
	var wrapper struct {
		Prompt workflow `json:"prompt"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Prompt) > 0 {
		return wrapper.Prompt, nil
	}
	var wf workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unsupported workflow format: %w", err)
	}
	return wf, nil
}

func (wf workflow) validate() error {
	present := make(map[string]struct{}, len(wf))
	for _, n := range wf {
		if n != nil {
			present[n.ClassType] = struct{}{}
		}
	}
	var missing []string
	for _, class := range requiredNodeClasses {
		if _, ok := present[class]; !ok {
			missing = append(missing, class)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("workflow missing required node(s): %s", strings.Join(missing, ", "))
	}
	return nil
}

// findByClass returns the first node of any of the given classes, ids walked
// in sorted order so injection is deterministic.
func (wf workflow) findByClass(classes ...string) (string, *node) {
	ids := make([]string, 0, len(wf))
	for id := range wf {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := wf[id]
		if n == nil {
			continue
		}
		for _, class := range classes {
			if n.ClassType == class {
				return id, n
			}
		}
	}
	return "", nil
}

func (n *node) ensureInputs() map[string]interface{} {
	if n.Inputs == nil {
		n.Inputs = make(map[string]interface{})
	}
	return n.Inputs
}

func (n *node) setDefault(key string, value interface{}) {
	inputs := n.ensureInputs()
	if _, ok := inputs[key]; !ok {
		inputs[key] = value
	}
}

// resolveRef extracts the node id from a ComfyUI input reference, which has
// the shape [node_id, output_index].
func resolveRef(ref interface{}) string {
	list, ok := ref.([]interface{})
	if !ok || len(list) == 0 {
		return ""
	}
	switch v := list[0].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// inject wires the request parameters into the template: the uploaded image
// name, the four pad amounts, the positive prompt via the KSampler wiring,
// batch size and the zoom-out scale when a scale node exists.
func (wf workflow) inject(imageName string, req outpaint.OutpaintRequest) {
	if _, load := wf.findByClass("LoadImage"); load != nil {
		load.ensureInputs()["image"] = imageName
	}

	if _, pad := wf.findByClass("ImagePadForOutpaint"); pad != nil {
		inputs := pad.ensureInputs()
		inputs["left"] = req.ExpandLeft
		inputs["right"] = req.ExpandRight
		inputs["top"] = req.ExpandTop
		inputs["bottom"] = req.ExpandBottom
		pad.setDefault("feathering", 20)
	}

	if _, ks := wf.findByClass("KSampler"); ks != nil {
		inputs := ks.ensureInputs()
		if posID := resolveRef(inputs["positive"]); posID != "" {
			if pos, ok := wf[posID]; ok && pos != nil {
				if _, hasText := pos.ensureInputs()["text"]; hasText {
					pos.Inputs["text"] = req.Prompt
				}
			}
		}
		if _, ok := inputs["batch_size"]; ok {
			inputs["batch_size"] = req.NumImages
		}
		ks.setDefault("denoise", 1.0)
	}

	if _, latent := wf.findByClass("EmptyLatentImage"); latent != nil {
		inputs := latent.ensureInputs()
		if _, ok := inputs["batch_size"]; ok {
			inputs["batch_size"] = req.NumImages
		}
	}

	if req.ZoomOutPercentage > 0 {
		scale := 1.0 / (1.0 - float64(req.ZoomOutPercentage)/100.0)
		if _, scaleNode := wf.findByClass("ImageScaleBy", "ImageScale", "ImageResize"); scaleNode != nil {
			inputs := scaleNode.ensureInputs()
			if _, ok := inputs["scale_by"]; ok {
				inputs["scale_by"] = scale
			} else if _, ok := inputs["scale"]; ok {
				inputs["scale"] = scale
			}
		}
	}
}
