package render

import (
	"bytes"
	"fmt"
)

// jpegToPDF wraps already-encoded JPEG bytes in a single-page PDF whose page
// size matches the image in points. The output is byte-for-byte deterministic
// for identical input.
func jpegToPDF(jpeg []byte, width, height int) []byte {
	content := fmt.Sprintf("q %d 0 0 %d 0 0 cm /Im0 Do Q", width, height)

	buf := &bytes.Buffer{}
	offsets := make([]int, 0, 6)
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	obj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	obj(fmt.Sprintf("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Contents 4 0 R /Resources << /XObject << /Im0 5 0 R >> >> >>\nendobj\n", width, height))
	obj(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(content), content))

	offsets = append(offsets, buf.Len())
	fmt.Fprintf(buf, "5 0 obj\n<< /Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /DeviceRGB /BitsPerComponent 8 /Filter /DCTDecode /Length %d >>\nstream\n", width, height, len(jpeg))
	buf.Write(jpeg)
	buf.WriteString("\nendstream\nendobj\n")

	xref := buf.Len()
	fmt.Fprintf(buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
