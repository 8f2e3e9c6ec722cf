package web

import (
	"bytes"
	"image/png"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/nfnt/resize"
)

type ImagePage struct {
	*Templates
	Page   int
	Pages  int
	Total  int
	Width  int
	Height int
	Rows   [][]ImageCell
	rows   int
	cols   int
	scale  int
	d      *Dashboard
}

type ImageCell struct {
	Index     int
	Label     string
	Predicted string
	Error     bool
}

// Base data for handler functions to view the test images and their predicted classes. Images are
// scaled up by the given factor and displayed in a rows x cols grid.
func NewImagePage(t *Templates, d *Dashboard, scale, rows, cols int) *ImagePage {
	p := &ImagePage{d: d, scale: scale, rows: rows, cols: cols}
	p.Templates = t.Select("/images")
	return p
}

// Handler function for the image grid
func (p *ImagePage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.d.Lock()
		defer p.d.Unlock()
		p.Page = 1
		if page, err := strconv.Atoi(mux.Vars(r)["page"]); err == nil && page > 0 {
			p.Page = page
		}
		p.Rows = nil
		p.Options = nil
		data := p.d.data
		if data == nil {
			p.Heading = "no predictions available"
			p.Total, p.Pages = 0, 0
			p.Exec(w, "images", p)
			return
		}
		perPage := p.rows * p.cols
		p.Total = data.Len()
		p.Pages = (p.Total + perPage - 1) / perPage
		if p.Page > p.Pages {
			p.Page = p.Pages
		}
		if p.Page > 1 {
			p.AddOption(Link{Name: "prev", Url: "/images/" + strconv.Itoa(p.Page-1)})
		}
		if p.Page < p.Pages {
			p.AddOption(Link{Name: "next", Url: "/images/" + strconv.Itoa(p.Page+1)})
		}
		shape := data.Shape()
		p.Height, p.Width = shape[1]*p.scale, shape[2]*p.scale
		p.Heading = "test images"
		classes := data.Classes()
		start := (p.Page - 1) * perPage
		for row := 0; row < p.rows; row++ {
			var cells []ImageCell
			for col := 0; col < p.cols; col++ {
				ix := start + row*p.cols + col
				if ix >= p.Total {
					break
				}
				cell := ImageCell{Index: ix, Label: className(classes, data.Labels[ix])}
				if ix < len(p.d.pred) {
					cell.Predicted = className(classes, p.d.pred[ix])
					cell.Error = p.d.pred[ix] != data.Labels[ix]
				}
				cells = append(cells, cell)
			}
			if len(cells) > 0 {
				p.Rows = append(p.Rows, cells)
			}
		}
		p.Exec(w, "images", p)
	}
}

// Handler function to return a single image in png format
func (p *ImagePage) Image() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		p.d.Lock()
		data := p.d.data
		p.d.Unlock()
		ix, err := strconv.Atoi(mux.Vars(r)["index"])
		if data == nil || err != nil || ix < 0 || ix >= data.Len() {
			http.NotFound(w, r)
			return
		}
		src := data.Images[ix]
		scaled := resize.Resize(uint(src.Width*p.scale), uint(src.Height*p.scale), src, resize.NearestNeighbor)
		var buf bytes.Buffer
		if err := png.Encode(&buf, scaled); err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}
}

func className(classes []string, label int32) string {
	if label >= 0 && int(label) < len(classes) {
		return classes[label]
	}
	return strconv.Itoa(int(label))
}
