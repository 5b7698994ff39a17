// Package remediation holds the treatment advice returned with accepted
// disease predictions.
package remediation

import "github.com/example/leafcheck/internal/embedding"

// Advice describes one class.
type Advice struct {
	Name string `json:"name" yaml:"name"`
	Cure string `json:"cure" yaml:"cure"`
	Tips string `json:"tips" yaml:"tips"`
}

var catalog = map[string]Advice{
	"blight": {
		Name: "Northern Corn Leaf Blight",
		Cure: "Apply fungicides containing pyraclostrobin, propiconazole, or azoxystrobin. Remove and destroy infected leaves to prevent spread.",
		Tips: "Plant resistant varieties, rotate crops, ensure proper spacing for air circulation, avoid overhead irrigation.",
	},
	"common_rust": {
		Name: "Common Rust",
		Cure: "Apply fungicides with active ingredients like azoxystrobin or pyraclostrobin early in the season. Remove and destroy infected plant debris.",
		Tips: "Use resistant hybrids, monitor fields regularly, maintain balanced soil fertility, avoid excessive nitrogen.",
	},
	"gray_leaf_spot": {
		Name: "Gray Leaf Spot",
		Cure: "Apply foliar fungicides at first signs. Practice crop rotation with non-host crops for at least one year.",
		Tips: "Choose resistant hybrids, maintain proper plant spacing, avoid continuous corn cultivation in same field.",
	},
	"healthy": {
		Name: "Healthy",
		Cure: "No treatment needed - plant appears healthy.",
		Tips: "Continue good agricultural practices: proper irrigation, balanced fertilization, regular monitoring.",
	},
}

// Lookup returns the advice for a predicted label.
func Lookup(label string) (Advice, bool) {
	a, ok := catalog[embedding.NormalizeLabel(label)]
	return a, ok
}
