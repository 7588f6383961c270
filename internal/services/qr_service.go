package services

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

const qrCodeSize = 300

// QRCodeService renders verification links as PNG QR codes.
type QRCodeService interface {
	PNG(content string) ([]byte, error)
}

type qrCodeService struct {
	size int
}

func NewQRCodeService() QRCodeService {
	return &qrCodeService{size: qrCodeSize}
}

func (s *qrCodeService) PNG(content string) ([]byte, error) {
	code, err := qr.Encode(content, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	scaled, err := barcode.Scale(code, s.size, s.size)
	if err != nil {
		return nil, fmt.Errorf("scale qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, fmt.Errorf("write qr png: %w", err)
	}
	return buf.Bytes(), nil
}
