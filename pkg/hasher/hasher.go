package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"os"

	// 匿名导入 (blank import) image解码器
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ajdnik/imghash"
)

// CalculateSHA256FromBytes 从字节切片计算 SHA-256 哈希
func CalculateSHA256FromBytes(data []byte) string {
	hashBytes := sha256.Sum256(data)
	return hex.EncodeToString(hashBytes[:])
}

// CalculateSHA256 计算并返回一个文件的SHA-256哈希值（流式读取，不整文件载入内存）。
func CalculateSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CalculatePerceptualHashFromImage 从已解码的 image.Image 对象计算感知哈希
func CalculatePerceptualHashFromImage(img image.Image) string {
	phasher := imghash.NewPHash()
	pHash := phasher.Calculate(img)
	return fmt.Sprintf("%d", pHash)
}

// CalculatePerceptualHash 计算并返回一个图片文件的感知哈希(pHash)值。
func CalculatePerceptualHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return "", err
	}
	return CalculatePerceptualHashFromImage(img), nil
}
