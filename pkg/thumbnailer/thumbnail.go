package thumbnailer

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"

	// 匿名导入 image解码器
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// CreateBase64 把已解码的图片缩成 size×size 的预览图，
// 编码为 data URI 形式的 Base64 字符串，随图片文档入库。
func CreateBase64(srcImage image.Image, size int) (string, error) {
	thumbImage := imaging.Thumbnail(srcImage, size, size, imaging.Lanczos)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, thumbImage, &jpeg.Options{Quality: 80}); err != nil {
		return "", err
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
