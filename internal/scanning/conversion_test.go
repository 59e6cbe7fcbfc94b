package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("toPNG", func() {
	var (
		input       []byte
		contentType string
		output      []byte
		err         error
	)

	solid := func() image.Image {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		for x := 0; x < 4; x++ {
			for y := 0; y < 4; y++ {
				img.Set(x, y, color.White)
			}
		}
		return img
	}

	JustBeforeEach(func() {
		output, err = toPNG(input, contentType)
	})

	When("the input is already PNG", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, solid())).To(Succeed())
			input = buf.Bytes()
			contentType = "image/png"
		})

		It("should pass the bytes through", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(output).To(Equal(input))
		})
	})

	When("the input is JPEG", func() {
		BeforeEach(func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, solid(), nil)).To(Succeed())
			input = buf.Bytes()
			contentType = "Image/JPEG; charset=binary"
		})

		It("should convert it to PNG", func() {
			Expect(err).NotTo(HaveOccurred())
			_, format, decodeErr := image.Decode(bytes.NewReader(output))
			Expect(decodeErr).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the input is not an image", func() {
		BeforeEach(func() {
			input = []byte("definitely not an image")
			contentType = "image/jpeg"
		})

		It("returns the error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("isHEIC", func() {
	It("should detect the MIME type", func() {
		Expect(isHEIC(nil, "image/heic")).To(BeTrue())
	})

	It("should detect the ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEIC(data, "application/octet-stream")).To(BeTrue())
	})

	It("should reject other data", func() {
		Expect(isHEIC([]byte("short"), "image/jpeg")).To(BeFalse())
	})
})
