package location

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/example/campustrack/internal/auth"
	"github.com/example/campustrack/internal/presence"
	"github.com/example/campustrack/internal/presence/service"
)

// Updater applies presence writes.
type Updater interface {
	UpdateLocation(ctx context.Context, who service.Identity, upd service.LocationUpdate) (presence.Record, error)
	Deactivate(ctx context.Context, who service.Identity) error
}

// Server implements the LocationServer interface.
type Server struct {
	updater Updater
	secret  string
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(updater Updater, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{updater: updater, secret: jwtSecret, logger: logger}
}

// StreamLocation ingests fixes from a driver device. Every message acts as
// the credential's own driver; a message naming another driver_id is skipped.
// Invalid messages are skipped and counted.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	claims, err := s.authorize(stream.Context())
	if err != nil {
		return err
	}
	ack := &Ack{}
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		if err := s.apply(stream.Context(), claims, msg); err != nil {
			ack.Skipped++
			s.logger.Debug("skipping streamed location", zap.String("driver_id", msg.DriverId), zap.Error(err))
			continue
		}
		ack.Accepted++
	}
}

var errForeignDriver = errors.New("cannot write another driver's location")

func (s *Server) apply(ctx context.Context, claims *auth.Claims, msg *DriverLocation) error {
	driverID := claims.UserID()
	if msg.DriverId != "" && msg.DriverId != driverID {
		return errForeignDriver
	}
	who := service.Identity{DriverID: driverID, DisplayName: msg.DisplayName}
	if msg.Active != nil && !*msg.Active {
		return s.updater.Deactivate(ctx, who)
	}
	_, err := s.updater.UpdateLocation(ctx, who, service.LocationUpdate{Lat: msg.Lat, Lng: msg.Lng, Speed: msg.Speed})
	return err
}

func (s *Server) authorize(ctx context.Context) (*auth.Claims, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(values[0], "Bearer "))
	claims, err := auth.Parse(s.secret, token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	if claims.Role != auth.RoleDriver || claims.UserID() == "" {
		return nil, status.Error(codes.PermissionDenied, "role cannot stream locations")
	}
	return claims, nil
}
