package dzi

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Namespace is the Deep Zoom schema namespace.
const Namespace = "http://schemas.microsoft.com/deepzoom/2008"

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// Document is the DZI XML form of a descriptor.
type Document struct {
	XMLName  xml.Name `xml:"http://schemas.microsoft.com/deepzoom/2008 Image"`
	TileSize int      `xml:"TileSize,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Size     Size     `xml:"Size"`
}

// Size is the <Size> element of a DZI document.
type Size struct {
	Width  int `xml:"Width,attr"`
	Height int `xml:"Height,attr"`
}

// parseDocument accepts the element with or without the namespace.
type parseDocument struct {
	XMLName  xml.Name `xml:"Image"`
	TileSize int      `xml:"TileSize,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	Format   string   `xml:"Format,attr"`
	Size     Size     `xml:"Size"`
}

// Document returns the XML form of d.
func (d *Descriptor) Document() Document {
	return Document{
		TileSize: d.TileSize,
		Overlap:  d.Overlap,
		Format:   d.Format,
		Size:     Size{Width: d.Width, Height: d.Height},
	}
}

// MarshalDZI encodes d as a complete DZI document.
func (d *Descriptor) MarshalDZI() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	if err := xml.NewEncoder(&buf).Encode(d.Document()); err != nil {
		return nil, fmt.Errorf("encoding dzi: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Parse decodes a DZI document. The level count is derived from the size.
func Parse(data []byte) (*Descriptor, error) {
	var doc parseDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding dzi: %w", err)
	}
	format := doc.Format
	if format == "jpg" {
		format = FormatJPEG
	}
	d, err := New(doc.Size.Width, doc.Size.Height, doc.TileSize, doc.Overlap, format)
	if err != nil {
		return nil, fmt.Errorf("decoding dzi: %w", err)
	}
	return d, nil
}
