package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dougsko/rigbridge/pkg/client"
)

var (
	socketPath = flag.String("socket", "/tmp/rigbridge.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'FREQUENCY:14074000')")
	timeout    = flag.Duration("timeout", 15*time.Second, "Time to wait for the reply")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	client := client.NewSocketClient(*socketPath)
	client.SetTimeout(*timeout)

	response, err := client.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", response.String())
	if !response.Success {
		os.Exit(2)
	}
}

func showHelp() {
	fmt.Println("rigctl - rigbridge control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>    Unix socket path (default: /tmp/rigbridge.sock)")
	fmt.Println("  -cmd <command>    Command to send")
	fmt.Println("  -timeout <d>      Reply timeout (default: 15s)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Daemon and radio status")
	fmt.Println("  FREQUENCY[:hz]            Read or set VFO A")
	fmt.Println("  MODE[:name]               Read or set mode (LSB USB CW FM AM DATA CW-R DATA-R)")
	fmt.Println("  POWER[:watts]             Read or set output power")
	fmt.Println("  VOLUME[:n|+n|-n]          Read, set or adjust audio gain")
	fmt.Println("  XMIT:0|1                  Unkey or key the transmitter")
	fmt.Println("  MSG:<bank>                Play a message bank")
	fmt.Println("  ATU                       Run the antenna tuner")
	fmt.Println("  KEYER:<text>              Send text in Morse")
	fmt.Println("  TIME:hh:mm:ss             Set the radio clock")
	fmt.Println("  STATE                     Snapshot of volatile settings")
	fmt.Println("  FT8[:status|cancel]       FT8 job status or cancel")
	fmt.Println("  HISTORY[:limit]           Recent transmissions")
	fmt.Println("  PING                      Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s 'KEYER:CQ CQ DE N0CALL K'\n", os.Args[0])
	fmt.Printf("  %s VOLUME:+10\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/rigbridge.sock\n")
}
