package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strconv"
	"time"
)

// Development origin for pixcache: serves generated pictures so cache hits
// and misses can be observed against a local server.
func main() {
	http.HandleFunc("/tile.png", func(w http.ResponseWriter, r *http.Request) {
		x, _ := strconv.Atoi(r.URL.Query().Get("x"))
		y, _ := strconv.Atoi(r.URL.Query().Get("y"))
		writeTile(w, color.NRGBA{R: uint8(x * 37), G: uint8(y * 59), B: 128, A: 255})
	})

	http.HandleFunc("/time.png", func(w http.ResponseWriter, r *http.Request) {
		sec := time.Now().Second()
		writeTile(w, color.NRGBA{R: uint8(sec * 4), G: 0, B: uint8(255 - sec*4), A: 255})
	})

	http.HandleFunc("/delay.png", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		writeTile(w, color.NRGBA{G: 255, A: 255})
	})

	http.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "not a picture")
	})

	fmt.Println("Picture origin running on :8081")
	http.ListenAndServe(":8081", nil)
}

func writeTile(w http.ResponseWriter, c color.NRGBA) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, c)
		}
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
