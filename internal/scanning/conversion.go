package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptPrompt asks a vision model for the merchant, date and total of a
// purchase receipt from a local business
const receiptPrompt = `You are reading a purchase receipt from a local business (restaurant, cafe, shop, salon, etc.).
Read all text in the image and extract:

1. merchant: the business name printed at the top of the receipt.
2. date: the transaction date, converted to YYYY-MM-DD.
3. amount: the final amount paid (TOTAL, Amount Due, Grand Total), including tax and tip, as a number.

Return ONLY JSON in exactly this form:
{
  "merchant": "Business Name",
  "date": "YYYY-MM-DD",
  "amount": 0.00
}

Rules:
- amount must be a number, not a string
- use null for any field you cannot find
- no text before or after the JSON and no markdown code blocks`

// normalizeMIME lowercases and trims a content type, defaulting to JPEG
func normalizeMIME(contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		return "image/jpeg"
	}
	return mimeType
}

// isHEIC reports whether data or its MIME type indicate HEIC/HEIF, which
// the standard image package cannot decode
func isHEIC(data []byte, mimeType string) bool {
	if strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// renderPDF rasterizes the first page of a PDF
func renderPDF(data []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if mimeType == "application/pdf" {
		return renderPDF(data)
	}
	if isHEIC(data, mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
	}
	return img, nil
}

// toPNG returns the receipt as PNG bytes, converting PDFs and every other
// image format. PNG input is passed through untouched.
func toPNG(data []byte, contentType string) ([]byte, error) {
	mimeType := normalizeMIME(contentType)
	if mimeType == "image/png" && !isHEIC(data, mimeType) {
		return data, nil
	}

	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
