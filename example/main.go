package main

// This is an example program to demonstrate the usage of the package. It
// logs in (reusing a stored token when possible), resolves the configured
// softener and then waits for key presses to read data or send commands.

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/watersoft/iqua"

	"github.com/asaskevich/EventBus"
	"github.com/eiannone/keyboard"
	"github.com/ernesto-jimenez/httplogger"
	_ "github.com/joho/godotenv/autoload"
)

const LOG_FILE = "iqua.log"
const TOKEN_FILE = ".iqua-token.json"
const WITH_HTTP_CLIENT_LOGGING = false // set to true to log every http request

// Timeout is the request timeout used by the http client
var Timeout = 20 * time.Second

// Implementation of log functions for the http client
type httpLogger struct {
	log *log.Logger
}

func newLogger(log *log.Logger) *httpLogger {
	return &httpLogger{log: log}
}

func (l *httpLogger) LogRequest(req *http.Request) {
	l.log.Printf("Request %s %s", req.Method, req.URL.String())
}

func (l *httpLogger) LogResponse(req *http.Request, res *http.Response, err error, duration time.Duration) {
	duration /= time.Millisecond
	if err != nil {
		l.log.Println(err)
	} else {
		l.log.Printf("Response method=%s status=%d durationMs=%d %s", req.Method, res.StatusCode, duration, req.URL.String())
	}
}

func readKey(input chan rune) {
	for {
		char, _, err := keyboard.GetSingleKey()
		if err != nil {
			log.Fatal(err)
		}
		input <- char
	}
}

func printKeyBinding() {
	fmt.Println("#############################################")
	fmt.Println("Choose an action:")
	fmt.Println("   1 = Read softener snapshot")
	fmt.Println("   2 = Read flow and salt only")
	fmt.Println("   3 = Open water shutoff valve")
	fmt.Println("   4 = Close water shutoff valve")
	fmt.Println("   5 = Schedule regeneration")
	fmt.Println("   6 = Cancel scheduled regeneration")
	fmt.Println("   7 = Regenerate now")
	fmt.Println("   r = Start realtime channel")
	fmt.Println("   s = Stop realtime channel")
	fmt.Println("   h = Show key bindings")
	fmt.Println("   q = Quit")
	fmt.Println("#############################################")
	fmt.Println("")
}

func printData(data iqua.SoftenerData) {
	fmt.Printf("   Model: %s   State: %s\n", data.Model, data.State)
	fmt.Printf("   Current water flow: %.2f gpm\n", data.CurrentWaterFlow)
	fmt.Printf("   Used today: %d %s   Available: %d %s\n", data.TodayUse, data.VolumeUnit, data.TotalWaterAvailable, data.VolumeUnit)
	fmt.Printf("   Salt level: %d (%d%%)   Out of salt in ~%d days\n", data.SaltLevel, data.SaltLevelPercent, data.OutOfSaltEstimatedDays)
	fmt.Printf("   Days since last regeneration: %d\n", data.DaysSinceLastRegeneration)
	fmt.Printf("   Water shutoff valve: %s\n", data.WaterShutoffValveState)
}

func main() {
	logFile, err := os.OpenFile(LOG_FILE, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()
	logger := log.New(logFile, "iqua: ", log.Lshortfile)

	credentials := &iqua.CredentialsStruct{
		Email:        os.Getenv("IQUA_EMAIL"),
		Password:     os.Getenv("IQUA_PASSWORD"),
		SerialNumber: os.Getenv("IQUA_SERIAL"),
	}

	fmt.Println("First step: Logging in (reusing stored token if possible)")
	store := &iqua.FileTokenStore{Path: TOKEN_FILE}

	client := &http.Client{Timeout: Timeout}
	if WITH_HTTP_CLIENT_LOGGING {
		client.Transport = httplogger.NewLoggedTransport(http.DefaultTransport, newLogger(logger))
	}

	identity, err := iqua.NewIdentity(client, credentials,
		iqua.WithTokenStore(store),
		iqua.WithIdentityLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	token, err := store.Load()
	if err != nil {
		logger.Println("could not load stored token:", err)
	}

	ts, err := identity.TokenSource(token)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Second step: Opening connection to the Iqua cloud")
	conn, err := iqua.NewConnection(client, ts, iqua.WithLogger(logger))
	if err != nil {
		log.Fatal(err)
	}

	bus := EventBus.New()
	_ = bus.Subscribe(iqua.TOPIC_REALTIME_STATUS, func(status iqua.RealtimeStatus) {
		fmt.Println("   Realtime status:", status)
	})

	softener, err := iqua.NewSoftener(conn, credentials.SerialNumber,
		iqua.WithSoftenerLogger(logger),
		iqua.WithRealtime(),
		iqua.WithEventBus(bus),
	)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Third step: Resolving device id for serial", credentials.SerialNumber)
	deviceID, err := softener.DeviceID()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("   Device id:", deviceID)

	input := make(chan rune)
	go readKey(input)
	printKeyBinding()

	for {
		char := <-input
		switch char {
		case 'q':
			fmt.Println("Quitting")
			softener.StopRealtime()
			return
		case 'h':
			printKeyBinding()
		case '1':
			data, err := softener.GetData()
			if err != nil {
				logger.Println(err)
				fmt.Println("Error:", err)
				break
			}
			printData(data)
		case '2':
			fs, err := softener.GetFlowAndSalt()
			if err != nil {
				logger.Println(err)
				fmt.Println("Error:", err)
				break
			}
			fmt.Printf("   Flow: %.2f gpm   Salt: %d%%\n", fs.FlowGPM, fs.SaltPercent)
		case '3':
			if _, err := softener.OpenWaterShutoffValve(); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("   Valve opened")
			}
		case '4':
			if _, err := softener.CloseWaterShutoffValve(); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("   Valve closed")
			}
		case '5':
			if _, err := softener.ScheduleRegeneration(); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("   Regeneration scheduled")
			}
		case '6':
			if _, err := softener.CancelRegeneration(); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("   Regeneration cancelled")
			}
		case '7':
			if _, err := softener.RegenerateNow(); err != nil {
				fmt.Println("Error:", err)
			} else {
				fmt.Println("   Regeneration started")
			}
		case 'r':
			if err := softener.StartRealtime(); err != nil {
				fmt.Println("Error:", err)
			}
		case 's':
			softener.StopRealtime()
		}
	}
}
