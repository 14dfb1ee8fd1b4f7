// mock-provider sends signed sample provider events at a local receiver,
// for exercising the pipeline end to end during development.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/praxishq/eventpipe/internal/api"
)

var samples = map[string]string{
	"account.updated": `{"id":"%s","type":"account.updated","created":%d,"data":{"object":{"id":"acct_demo","charges_enabled":true,"payouts_enabled":true,"details_submitted":true,"capabilities":{"card_payments":{"status":"active","requested":true}}}}}`,
	"capability.updated": `{"id":"%s","type":"capability.updated","created":%d,"account":"acct_demo","data":{"object":{"id":"transfers","account":"acct_demo","status":"active","requested":true}}}`,
	"payout.paid": `{"id":"%s","type":"payout.paid","created":%d,"account":"acct_demo","data":{"object":{"id":"po_demo","status":"paid","amount":125000,"currency":"usd"}}}`,
	"payout.failed": `{"id":"%s","type":"payout.failed","created":%d,"account":"acct_demo","data":{"object":{"id":"po_demo","status":"failed","amount":125000,"currency":"usd","failure_code":"account_closed"}}}`,
	"account.application.deauthorized": `{"id":"%s","type":"account.application.deauthorized","created":%d,"account":"acct_demo","data":{"object":{}}}`,
}

func main() {
	target := flag.String("target", "http://localhost:8080/webhooks/payments", "receiver URL")
	eventType := flag.String("type", "account.updated", "sample event type to send")
	count := flag.Int("count", 1, "how many times to send the same event id (duplicates)")
	badSig := flag.Bool("bad-signature", false, "sign with the wrong secret")
	flag.Parse()

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}

	template, ok := samples[*eventType]
	if !ok {
		log.Fatalf("no sample for event type %q", *eventType)
	}

	eventID := fmt.Sprintf("evt_mock_%d", time.Now().UnixNano())
	body := []byte(fmt.Sprintf(template, eventID, time.Now().Unix()))

	signingSecret := secret
	if *badSig {
		signingSecret = secret + "_wrong"
	}
	timestamp := time.Now().Unix()
	header := fmt.Sprintf("t=%d,v1=%s", timestamp, api.ComputeSignature(body, signingSecret, timestamp))

	for i := 0; i < *count; i++ {
		req, err := http.NewRequest(http.MethodPost, *target, bytes.NewReader(body))
		if err != nil {
			log.Fatalf("building request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(api.SignatureHeader, header)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatalf("sending event: %v", err)
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		log.Printf("[#%d] %s %s -> %d %s", i+1, *eventType, eventID, resp.StatusCode, bytes.TrimSpace(respBody))
	}
}
