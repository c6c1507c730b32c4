package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modbuskit/modbus"
)

func main() {
	databank := modbus.NewDatabank()
	slave, err := databank.AddSlave(1, false)
	if err != nil {
		log.Fatal(err)
	}
	if err := slave.AddBlock("0", modbus.HoldingRegisters, 0, 100); err != nil {
		log.Fatal(err)
	}
	if err := slave.SetValues("0", 0, []uint16{1, 2, 3, 4, 5}); err != nil {
		log.Fatal(err)
	}

	server := modbus.NewTCPServer(databank)
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		if err := server.ListenAndServe(ctx, "127.0.0.1:15020"); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	transport := modbus.NewTCPTransport("127.0.0.1:15020", time.Second, 30*time.Second)
	client := modbus.NewClient(transport, 1, "tcp")
	defer client.Close()

	go func() {
		for {
			values, err := client.ReadHoldingRegisters(ctx, 0, 5)
			if err != nil {
				log.Printf("read failed: %v", err)
			} else {
				log.Printf("holding registers 0-4: %v", values)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	stop()
	server.Close()
}
