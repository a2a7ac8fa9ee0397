package clickhouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"nucleusquant/internal/measure"
)

func TestSender(t *testing.T) {
	suite.Run(t, new(senderTestSuite))
}

type senderTestSuite struct {
	suite.Suite
	mock   sqlmock.Sqlmock
	dumper *FileDumper
	sender *Sender
}

func (s *senderTestSuite) SetupTest() {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	s.Require().NoError(err, "An error was not expected when opening a stub database connection")
	s.T().Cleanup(func() { _ = db.Close() })

	dumper, err := NewFileDumper(s.T().TempDir())
	s.Require().NoError(err)

	s.mock = mock
	s.dumper = dumper
	s.sender = NewSender(db, dumper, zerolog.Nop())
}

func (s *senderTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
}

func sampleRows() []Row {
	return RowsFromMeasurements("run-1", []measure.Measurement{
		{ImageID: "a", Label: 1, Area: 144, MeanIntensity: 1000, IntegratedIntensity: 144000, CentroidRow: 5.5, CentroidCol: 6.5},
		{ImageID: "a", Label: 2, Area: 100, MeanIntensity: 900, IntegratedIntensity: 90000, CentroidRow: 20, CentroidCol: 21},
	})
}

func (s *senderTestSuite) expectPublish(rows []Row) {
	s.mock.ExpectBegin()
	stmt := s.mock.ExpectPrepare(InsertQuery).WillBeClosed()
	for _, r := range rows {
		stmt.ExpectExec().WithArgs(driverArgs(r)...).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	s.mock.ExpectCommit()
}

func (s *senderTestSuite) TestFlushPublishesInOneTransaction() {
	rows := sampleRows()
	s.expectPublish(rows)

	s.sender.Push(rows...)
	s.Equal(2, s.sender.Pending())

	n, err := s.sender.Flush(context.Background())
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(0, s.sender.Pending())

	spooled, err := s.dumper.Len()
	s.Require().NoError(err)
	s.Zero(spooled)
}

func (s *senderTestSuite) TestFlushEmptyIsNoop() {
	n, err := s.sender.Flush(context.Background())
	s.NoError(err)
	s.Zero(n)
}

func (s *senderTestSuite) TestFailedFlushSpoolsBatch() {
	down := errors.New("connection refused")
	s.mock.ExpectBegin().WillReturnError(down)

	var failures []error
	s.sender.SubscribeOnFail(func(err error) { failures = append(failures, err) })
	s.sender.Push(sampleRows()...)

	_, err := s.sender.Flush(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, down)
	s.ErrorIs(err, ErrSpooled)
	s.Len(failures, 1)

	spooled, err := s.dumper.Len()
	s.Require().NoError(err)
	s.Equal(1, spooled)
}

func (s *senderTestSuite) TestDrainRepublishesSpool() {
	rows := sampleRows()
	s.Require().NoError(s.dumper.Dump(rows))
	s.expectPublish(rows)

	n, err := s.sender.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(2, n)

	spooled, err := s.dumper.Len()
	s.Require().NoError(err)
	s.Zero(spooled)
}

func (s *senderTestSuite) TestDrainFailureRespools() {
	rows := sampleRows()
	s.Require().NoError(s.dumper.Dump(rows))
	s.mock.ExpectBegin()
	s.mock.ExpectPrepare(InsertQuery).WillReturnError(errors.New("table missing"))
	s.mock.ExpectRollback()

	n, err := s.sender.Drain(context.Background())
	s.Error(err)
	s.Zero(n)

	spooled, err := s.dumper.Len()
	s.Require().NoError(err)
	s.Equal(1, spooled)
}

func (s *senderTestSuite) TestExecFailureRollsBack() {
	rows := sampleRows()
	s.mock.ExpectBegin()
	stmt := s.mock.ExpectPrepare(InsertQuery).WillBeClosed()
	stmt.ExpectExec().WithArgs(driverArgs(rows[0])...).WillReturnError(errors.New("type mismatch"))
	s.mock.ExpectRollback()

	s.sender.Push(rows...)
	_, err := s.sender.Flush(context.Background())
	s.Error(err)
}

func TestSender_NullDumperDoesNotReportSpooled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	down := errors.New("connection refused")
	mock.ExpectBegin().WillReturnError(down)

	sender := NewSender(db, NewNullDumper(), zerolog.Nop())
	sender.Push(sampleRows()...)
	_, err = sender.Flush(context.Background())
	if !errors.Is(err, down) {
		t.Fatalf("Flush error = %v, want %v", err, down)
	}
	if errors.Is(err, ErrSpooled) {
		t.Fatalf("Flush error %v reports a spooled batch, but NullDumper keeps nothing", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_RequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

// driverArgs converts Row.Args to the []driver.Value that sqlmock's WithArgs expects.
func driverArgs(r Row) []driver.Value {
	args := r.Args()
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a
	}
	return vals
}
