package utils

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"

	"github.com/google/uuid"
	color_extractor "github.com/marekm4/color-extractor"
)

// BytesToGUIDLocation derives a stable cover art location from the image
// content itself so the same poster always lands at the same URL.
func BytesToGUIDLocation(image []byte, extension string) (string, uuid.UUID) {
	imageHash := md5.Sum(image)
	var genericBytes []byte = imageHash[:]
	guid, _ := uuid.FromBytes(genericBytes)
	location := fmt.Sprintf("/static/cover.%s.%s", guid, extension)
	return location, guid
}

// ExtractImageContent downloads an image and returns its raw bytes, the
// detected file extension and the dominant colours found within it.
func ExtractImageContent(client *http.Client, imageUrl string) ([]byte, string, []string, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	req, err := http.NewRequest("GET", imageUrl, nil)
	if err != nil {
		return []byte{}, "", []string{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return []byte{}, "", []string{}, err
	}
	defer res.Body.Close()

	var buf bytes.Buffer
	tee := io.TeeReader(res.Body, &buf)

	body, err := io.ReadAll(tee)
	if err != nil {
		return []byte{}, "", []string{}, err
	}

	mimeType := http.DetectContentType(body)

	extension := ""

	switch mimeType {
	case "image/jpeg":
		extension = "jpeg"
	case "image/png":
		extension = "png"
	}

	var domColours []string

	img, _, err := image.Decode(&buf)
	if err == nil {
		colours := color_extractor.ExtractColors(img)
		for _, c := range colours {
			domColours = append(domColours, colorToHexString(c))
		}
	}

	return body, extension, domColours, nil
}

func colorToHexString(c color.Color) string {
	r, g, b, a := c.RGBA()
	rgba := color.RGBA{uint8(r), uint8(g), uint8(b), uint8(a)}
	return fmt.Sprintf("#%.2x%.2x%.2x", rgba.R, rgba.G, rgba.B)
}

func SaveCover(storageDir string, guid string, image []byte, extension string) error {
	return os.WriteFile(fmt.Sprintf("%s/cover.%s.%s", storageDir, guid, extension), image, 0644)
}

func LoadCover(storageDir string, guid string, extension string) (string, error) {
	img, err := os.ReadFile(fmt.Sprintf("%s/cover.%s.%s", storageDir, guid, extension))
	if err != nil {
		return "", err
	}
	return string(img), nil
}
