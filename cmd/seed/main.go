package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"airquality-platform/internal/models"
)

// Seeds a running API server with synthetic station submissions. Each fake
// station submits a run of measurements at five-minute spacing so the
// aggregation endpoints have data to chew on in development.
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Base URL of the API server")
	stations := flag.Int("stations", 10, "Number of fake stations")
	submissions := flag.Int("submissions", 12, "Submissions per station")
	seed := flag.Int64("seed", 0, "Random seed (0 uses a random one)")
	flag.Parse()

	if *seed != 0 {
		gofakeit.Seed(*seed)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	now := time.Now().UTC().Truncate(time.Minute)

	var sent, failed int

	for i := 0; i < *stations; i++ {
		device := fmt.Sprintf("SEED-%s", gofakeit.LetterN(8))
		firmware := fmt.Sprintf("%d.%d.%d", gofakeit.Number(1, 3), gofakeit.Number(0, 9), gofakeit.Number(0, 9))
		location := models.SubmissionLocation{
			Lat:    gofakeit.Float64Range(46.4, 48.9),
			Lon:    gofakeit.Float64Range(9.5, 17.2),
			Height: gofakeit.Float64Range(100, 900),
		}

		for j := 0; j < *submissions; j++ {
			measuredAt := now.Add(-time.Duration(*submissions-j) * 5 * time.Minute)

			body := map[string]interface{}{
				"station": models.StationSubmission{
					Device:   device,
					Firmware: &firmware,
					Location: location,
					Time:     measuredAt,
				},
				"sensors": models.SensorPayload{
					"sensor-1": models.SensorReading{
						SensorModel: models.SensorSEN5X,
						Values: map[models.Dimension]float64{
							models.DimensionPM1:         gofakeit.Float64Range(0, 25),
							models.DimensionPM25:        gofakeit.Float64Range(0, 40),
							models.DimensionPM10:        gofakeit.Float64Range(0, 60),
							models.DimensionTemperature: gofakeit.Float64Range(-5, 35),
							models.DimensionHumidity:    gofakeit.Float64Range(20, 95),
						},
					},
				},
			}

			if err := post(client, *baseURL+"/api/station/data", body); err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "submission failed for %s: %v\n", device, err)
				continue
			}
			sent++
		}
	}

	fmt.Printf("Seeding complete: %d submissions sent, %d failed\n", sent, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func post(client *http.Client, url string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	return nil
}
