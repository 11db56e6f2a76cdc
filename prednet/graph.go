package prednet

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/awalterschulze/gographviz"
)

type dotLayer struct {
	Layer        int
	AChannels    int
	AhatChannels int
	RChannels    int
	EChannels    int
	RKernel      int
	AhatKernel   int
	Downsample   int
}

// ToDot renders the layer stack as a graphviz document: one node per layer
// with its unit channel counts and kernel sizes, solid edges for the
// bottom-up error path, dashed edges for the top-down representation path.
func (c Config) ToDot() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	g := gographviz.NewGraph()
	if err := g.SetName("PredNet"); err != nil {
		return "", err
	}
	g.SetDir(true)

	var buf bytes.Buffer
	for l := 0; l < c.Layers(); l++ {
		d := dotLayer{
			Layer:        l,
			AChannels:    c.StackSizes[l],
			AhatChannels: c.StackSizes[l],
			RChannels:    c.RStackSizes[l],
			EChannels:    2 * c.StackSizes[l],
			RKernel:      c.RFiltSizes[l],
			AhatKernel:   c.AhatFiltSizes[l],
			Downsample:   1 << uint(l),
		}
		buf.Reset()
		if err := layerTmpl.Execute(&buf, d); err != nil {
			return "", err
		}
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "none",
			"label":    buf.String(),
		}
		if err := g.AddNode("PredNet", layerName(l), attrs); err != nil {
			return "", err
		}
	}
	for l := 0; l < c.Layers()-1; l++ {
		// feedforward error path: conv of E_l, pooled, becomes A_{l+1}
		if err := g.AddEdge(layerName(l), layerName(l+1), true, map[string]string{
			"label": fmt.Sprintf("\"E%d: %dx%d conv, pool\"", l, c.AFiltSizes[l], c.AFiltSizes[l]),
		}); err != nil {
			return "", err
		}
		// feedback representation path: R_{l+1} upsampled into the cell below
		if err := g.AddEdge(layerName(l+1), layerName(l), true, map[string]string{
			"style": "dashed",
			"label": fmt.Sprintf("\"R%d: upsample\"", l+1),
		}); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}

func layerName(l int) string { return fmt.Sprintf("layer%d", l) }

const layerTmplRaw = `<
<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0">
<TR><TD>Layer</TD><TD>{{.Layer}}</TD></TR>
<TR><TD>A / Ahat channels</TD><TD>{{.AChannels}}</TD></TR>
<TR><TD>R channels</TD><TD>{{.RChannels}}</TD></TR>
<TR><TD>E channels</TD><TD>{{.EChannels}}</TD></TR>
<TR><TD>R kernel</TD><TD>{{.RKernel}}x{{.RKernel}}</TD></TR>
<TR><TD>Ahat kernel</TD><TD>{{.AhatKernel}}x{{.AhatKernel}}</TD></TR>
<TR><TD>Spatial scale</TD><TD>1/{{.Downsample}}</TD></TR>
</TABLE>
>
`

var layerTmpl *template.Template

func init() {
	layerTmpl = template.Must(template.New("layer").Parse(layerTmplRaw))
}
