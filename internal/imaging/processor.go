// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package imaging filters ticket attachments down to images and normalises
// them for storage: bounded resize, JPEG re-encode, content-addressed IDs,
// and a placeholder feature vector for the downstream embedding pipeline.
// Recognition is by content sniffing, never by filename extension.
package imaging

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/image/draw"

	// Register decoders for the formats the pipeline accepts.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"github.com/deskrelay/ingestion/internal/config"
	"github.com/deskrelay/ingestion/internal/models"
)

// featureBins is the per-channel quantisation of the colour-histogram
// placeholder vector (4^3 = 64 dimensions).
const featureBins = 4

// Processor normalises image attachments.
type Processor struct {
	maxDim  int
	quality int
}

// NewProcessor creates a processor bounded by the configured maximum
// dimension and JPEG quality.
func NewProcessor(cfg config.ImageConfig) *Processor {
	return &Processor{
		maxDim:  cfg.MaxDimension,
		quality: cfg.Quality,
	}
}

// Process returns one ImageArtifact per attachment recognised as an image.
// Non-image and corrupt attachments are skipped with a log line, never an
// error: a bad attachment must not cost the ticket.
func (p *Processor) Process(ticketID string, attachments []models.Attachment) []models.ImageArtifact {
	var artifacts []models.ImageArtifact
	for _, att := range attachments {
		art, err := p.processOne(ticketID, att)
		if err != nil {
			slog.Info("attachment skipped",
				"ticket_id", ticketID,
				"name", att.Name,
				"reason", err,
			)
			continue
		}
		artifacts = append(artifacts, *art)
	}
	return artifacts
}

// processOne sniffs, decodes, resizes, and re-encodes a single attachment.
func (p *Processor) processOne(ticketID string, att models.Attachment) (*models.ImageArtifact, error) {
	if _, _, err := image.DecodeConfig(bytes.NewReader(att.Data)); err != nil {
		return nil, fmt.Errorf("not an image: %w", err)
	}

	src, format, err := image.Decode(bytes.NewReader(att.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	dst := p.resize(src)
	bounds := dst.Bounds()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	normalised := buf.Bytes()

	sum := blake3.Sum256(normalised)
	hash := hex.EncodeToString(sum[:])

	return &models.ImageArtifact{
		// Content-addressed: a changed attachment gets a new artifact ID.
		ArtifactID:  ticketID + "-" + hash[:16],
		TicketID:    ticketID,
		Name:        att.Name,
		ContentType: "image/jpeg",
		ContentHash: hash,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Data:        normalised,
		Features:    histogram(dst),
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// resize scales the image down so its longest edge is at most maxDim.
// Images already within bounds are drawn through unchanged (flattening any
// alpha onto the RGBA canvas the JPEG encoder expects).
func (p *Processor) resize(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	longest := w
	if h > longest {
		longest = h
	}

	if longest > p.maxDim {
		scale := float64(p.maxDim) / float64(longest)
		w = int(float64(w)*scale + 0.5)
		h = int(float64(h)*scale + 0.5)
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// histogram computes a normalised 64-dimension colour histogram. It stands
// in for the model-derived embedding the downstream consumer computes; the
// vector slot just has to be stable and non-empty.
func histogram(img image.Image) []float32 {
	features := make([]float32, featureBins*featureBins*featureBins)
	b := img.Bounds()

	var total float32
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			bin := (r>>14)*featureBins*featureBins + (g>>14)*featureBins + (bl >> 14)
			features[bin]++
			total++
		}
	}

	if total > 0 {
		for i := range features {
			features[i] /= total
		}
	}
	return features
}
