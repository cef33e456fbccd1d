// prototool converts websocket frames between JSON and their binary protobuf form,
// for poking at a live connection by hand.
//
//	echo '{"event":"typing","payload":{"to":2,"typing":true}}' | prototool -mode encode -out hex
//	echo 0a0f... | prototool -mode decode -in hex
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go-dm-relay/internal/websocket"
)

func main() {
	mode := flag.String("mode", "encode", "Mode: 'encode' or 'decode'")
	inputFormat := flag.String("in", "hex", "Input format for decode: 'hex', 'base64', 'json'")
	outputFormat := flag.String("out", "hex", "Output format for encode: 'hex', 'base64', 'json'")
	flag.Parse()

	inputData, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("Error reading stdin: %v", err)
	}
	input := strings.TrimSpace(string(inputData))

	switch *mode {
	case "encode":
		encode(input, *outputFormat)
	case "decode":
		decode(input, *inputFormat)
	default:
		fail("Invalid mode: %s. Use 'encode' or 'decode'.", *mode)
	}
}

type frameJSON struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	SentAt  string         `json:"sent_at,omitempty"`
}

// Encodes {"event":..., "payload":{...}} to a frame
func encode(jsonInput, outputFormat string) {
	var in frameJSON
	if err := json.Unmarshal([]byte(jsonInput), &in); err != nil {
		fail("Error unmarshaling JSON frame: %v\nInput: %s", err, jsonInput)
	}
	if in.Event == "" {
		fail("Frame needs an event name")
	}

	if outputFormat == "json" {
		out, err := websocket.EncodeFrameJSON(in.Event, in.Payload)
		if err != nil {
			fail("Error encoding frame: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	binaryData, err := websocket.EncodeFrame(in.Event, in.Payload)
	if err != nil {
		fail("Error encoding frame: %v", err)
	}
	switch outputFormat {
	case "hex":
		fmt.Println(hex.EncodeToString(binaryData))
	case "base64":
		fmt.Println(base64.StdEncoding.EncodeToString(binaryData))
	default:
		fail("Invalid output format: %s. Use 'hex', 'base64' or 'json'.", outputFormat)
	}
}

// Decodes a frame (hex, base64 or protojson) to readable JSON
func decode(input, inputFormat string) {
	var (
		frame *websocket.Frame
		err   error
	)
	switch inputFormat {
	case "hex", "base64":
		var binaryData []byte
		if inputFormat == "hex" {
			binaryData, err = hex.DecodeString(input)
		} else {
			binaryData, err = base64.StdEncoding.DecodeString(input)
		}
		if err != nil {
			fail("Error decoding input string (%s): %v", inputFormat, err)
		}
		frame, err = websocket.DecodeFrame(binaryData)
	case "json":
		frame, err = websocket.DecodeFrameJSON([]byte(input))
	default:
		fail("Invalid input format: %s. Use 'hex', 'base64' or 'json'.", inputFormat)
	}
	if err != nil {
		fail("Error decoding frame: %v", err)
	}

	out := frameJSON{Event: frame.Event, Payload: frame.Payload}
	if !frame.SentAt.IsZero() {
		out.SentAt = frame.SentAt.UTC().Format(time.RFC3339Nano)
	}
	jsonOutput, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fail("Error marshaling to JSON: %v", err)
	}
	fmt.Println(string(jsonOutput))
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
