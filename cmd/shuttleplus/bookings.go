package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	shuttleplus "github.com/shuttleplus/shuttleplus-go"
	"github.com/spf13/cobra"
)

var (
	createType       string
	createPickup     string
	createDropoff    string
	createTime       string
	createVehicle    string
	createPassengers int
	createFlight     string
	createName       string
	createPhone      string
	createEmail      string
	createChildSeat  bool

	cancelReason string
	localOnly    bool
)

func init() {
	rootCmd.AddCommand(bookingsCmd)
	bookingsCmd.AddCommand(bookingsListCmd, bookingsShowCmd, bookingsCreateCmd,
		bookingsCancelCmd, bookingsUpcomingCmd, bookingsPastCmd, bookingsTrackCmd)

	bookingsListCmd.Flags().BoolVar(&localOnly, "local", false, "read the local store only")

	f := bookingsCreateCmd.Flags()
	f.StringVar(&createType, "type", string(shuttleplus.TripArrival), "trip type (arrival or departure)")
	f.StringVar(&createPickup, "pickup", "", "pickup location (required)")
	f.StringVar(&createDropoff, "dropoff", "", "dropoff location (required)")
	f.StringVar(&createTime, "time", "", "pickup time, RFC3339 (required)")
	f.StringVar(&createVehicle, "vehicle", string(shuttleplus.VehicleStandard), "vehicle class")
	f.IntVar(&createPassengers, "passengers", 1, "number of passengers")
	f.StringVar(&createFlight, "flight", "", "flight number")
	f.StringVar(&createName, "name", "", "passenger name")
	f.StringVar(&createPhone, "phone", "", "passenger phone")
	f.StringVar(&createEmail, "email", "", "passenger email")
	f.BoolVar(&createChildSeat, "child-seat", false, "request a child seat")
	bookingsCreateCmd.MarkFlagRequired("pickup")
	bookingsCreateCmd.MarkFlagRequired("dropoff")
	bookingsCreateCmd.MarkFlagRequired("time")

	bookingsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason")
}

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "List, create and cancel bookings",
}

var bookingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bookings, falling back to the local store when offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if localOnly {
			bookings, err := s.store.Bookings.All(ctx)
			if err != nil {
				return err
			}
			printBookings(bookings)
			return nil
		}

		list, err := s.client.Bookings.List(ctx)
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		if list.Offline {
			fmt.Println("(offline: showing saved bookings)")
		}
		printBookings(list.Bookings)
		return nil
	},
}

var bookingsShowCmd = &cobra.Command{
	Use:   "show <reference>",
	Short: "Show one booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := s.client.Bookings.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get booking: %w", err)
		}
		if res.Offline {
			fmt.Println("(offline: saved copy)")
		}
		printBooking(res.Booking)
		return nil
	},
}

var bookingsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a booking; queued when the network is unavailable",
	RunE: func(cmd *cobra.Command, args []string) error {
		pickupAt, err := time.Parse(time.RFC3339, createTime)
		if err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		booking := &shuttleplus.Booking{
			Type:         shuttleplus.TripType(createType),
			Pickup:       shuttleplus.Stop{Location: createPickup, ScheduledTime: pickupAt},
			Dropoff:      shuttleplus.Stop{Location: createDropoff},
			VehicleClass: shuttleplus.VehicleClass(createVehicle),
			Passengers:   createPassengers,
			ChildSeat:    createChildSeat,
		}
		if createFlight != "" {
			booking.Flight = &shuttleplus.FlightInfo{Number: shuttleplus.NormalizeFlightNumber(createFlight)}
		}
		if createName != "" || createPhone != "" || createEmail != "" {
			booking.Customer = &shuttleplus.Customer{Name: createName, Phone: createPhone, Email: createEmail}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := s.offline.CreateBooking(ctx, booking)
		if err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		if res.Offline {
			fmt.Println("Network unavailable: booking saved locally and queued for sync.")
		}
		printBooking(res.Booking)
		return nil
	},
}

var bookingsCancelCmd = &cobra.Command{
	Use:   "cancel <reference>",
	Short: "Cancel a booking; queued when the network is unavailable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		res, err := s.offline.CancelBooking(ctx, args[0], cancelReason)
		if err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		if res.Offline {
			fmt.Println("Network unavailable: cancellation queued for sync.")
		}
		fmt.Printf("%s: %s\n", res.Booking.BookingReference, res.Booking.Status)
		return nil
	},
}

var bookingsTrackCmd = &cobra.Command{
	Use:   "track <reference>",
	Short: "Follow live status and driver updates for a booking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		ref := args[0]
		rt := s.client.Realtime(&shuttleplus.RealtimeConfig{AutoReconnect: true})
		rt.OnBookingStatus(func(p shuttleplus.BookingStatusPayload) {
			if p.BookingReference == ref {
				fmt.Printf("status: %s\n", p.Status)
			}
		})
		rt.OnDriverLocation(func(p shuttleplus.DriverLocationPayload) {
			if p.BookingReference != ref {
				return
			}
			fmt.Printf("driver %s at %.5f,%.5f", p.DriverID, p.Location.Latitude, p.Location.Longitude)
			if p.ETAMinutes > 0 {
				fmt.Printf(" (eta %d min)", p.ETAMinutes)
			}
			fmt.Println()
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			s.logger.Warn("realtime reconnecting", "attempt", attempt, "delay", delay)
		})

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()
		if err := rt.SubscribeBooking(ctx, ref); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Printf("Tracking %s, Ctrl+C to stop.\n", ref)

		<-ctx.Done()
		rt.UnsubscribeBooking(context.Background(), ref)
		return nil
	},
}

var bookingsUpcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List saved bookings with a future pickup",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listLocal(func(b *shuttleplus.BookingStore, ctx context.Context) ([]*shuttleplus.Booking, error) {
			return b.Upcoming(ctx)
		})
	},
}

var bookingsPastCmd = &cobra.Command{
	Use:   "past",
	Short: "List saved bookings that are finished or in the past",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listLocal(func(b *shuttleplus.BookingStore, ctx context.Context) ([]*shuttleplus.Booking, error) {
			return b.Past(ctx)
		})
	},
}

func listLocal(query func(*shuttleplus.BookingStore, context.Context) ([]*shuttleplus.Booking, error)) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bookings, err := query(s.store.Bookings, ctx)
	if err != nil {
		return err
	}
	printBookings(bookings)
	return nil
}

func printBookings(bookings []*shuttleplus.Booking) {
	if len(bookings) == 0 {
		fmt.Println("No bookings.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tSTATUS\tPICKUP\tTIME\tDROPOFF")
	for _, b := range bookings {
		when := "-"
		if !b.Pickup.ScheduledTime.IsZero() {
			when = b.Pickup.ScheduledTime.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.BookingReference, b.Status, b.Pickup.Location, when, b.Dropoff.Location)
	}
	tw.Flush()
}

func printBooking(b *shuttleplus.Booking) {
	fmt.Printf("Reference:  %s\n", b.BookingReference)
	fmt.Printf("Status:     %s\n", b.Status)
	if b.Type != "" {
		fmt.Printf("Type:       %s\n", b.Type)
	}
	fmt.Printf("Pickup:     %s\n", b.Pickup.Location)
	if !b.Pickup.ScheduledTime.IsZero() {
		fmt.Printf("Time:       %s\n", b.Pickup.ScheduledTime.Local().Format(time.RFC1123))
	}
	fmt.Printf("Dropoff:    %s\n", b.Dropoff.Location)
	if b.Flight != nil {
		fmt.Printf("Flight:     %s\n", b.Flight.Number)
	}
	if b.VehicleClass != "" {
		fmt.Printf("Vehicle:    %s (%d passengers)\n", b.VehicleClass, b.Passengers)
	}
	if b.Pricing != nil {
		fmt.Printf("Total:      $%.2f / %.2f ETB\n", b.Pricing.TotalUSD, b.Pricing.TotalETB)
	}
	if b.Driver != nil {
		fmt.Printf("Driver:     %s %s\n", b.Driver.Name, b.Driver.Plate)
	}
}
