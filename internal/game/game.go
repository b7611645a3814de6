// Package game holds the authoritative Pong simulation. It is a pure state
// machine: Step takes a state plus the buffered input for each seat and
// returns the next state, so the session loop stays the only writer and tests
// can drive the physics deterministically.
package game

import (
	"math"
	"math/rand"
)

// Court geometry and motion constants. The client renders 10x100 paddles and
// a radius-15 ball, so those are fixed; the rest are tuning choices.
const (
	CourtWidth   = 800.0
	CourtHeight  = 600.0
	PaddleWidth  = 10.0
	PaddleHeight = 100.0
	BallRadius   = 15.0

	PaddleSpeed    = 6.0 // px per tick
	ServeSpeed     = 5.0 // px per tick
	speedGain      = 1.05
	maxBounceAngle = math.Pi / 4
)

type Direction string

const (
	DirUp   Direction = "up"
	DirDown Direction = "down"
)

// ParseDirection validates a wire direction value.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case string(DirUp):
		return DirUp, true
	case string(DirDown):
		return DirDown, true
	default:
		return "", false
	}
}

// Move is one seat's buffered input for the next tick. The zero value means
// no input: the paddle holds position.
type Move struct {
	Dir    Direction
	Active bool
}

type Vec struct {
	X float64
	Y float64
}

// State is one tick's worth of authoritative match state.
type State struct {
	PaddleY [2]float64 // top edge of each paddle
	Ball    Vec        // center of the ball
	Vel     Vec
	Score   [2]int
}

// NewState centers the paddles and serves the ball toward seat 0.
func NewState() State {
	s := State{
		PaddleY: [2]float64{
			CourtHeight/2 - PaddleHeight/2,
			CourtHeight/2 - PaddleHeight/2,
		},
	}
	s.serve(0)
	return s
}

// serveAngle returns a serve angle in [-45deg, +45deg). Overridable so tests
// can pin the trajectory.
var serveAngle = func() float64 {
	return rand.Float64()*math.Pi/2 - math.Pi/4
}

// serve recenters the ball and launches it toward the given seat.
func (s *State) serve(toward int) {
	s.Ball = Vec{X: CourtWidth / 2, Y: CourtHeight / 2}
	angle := serveAngle()
	s.Vel = Vec{X: ServeSpeed * math.Cos(angle), Y: ServeSpeed * math.Sin(angle)}
	if toward == 0 {
		// Seat 0 defends the left goal line.
		s.Vel.X = -s.Vel.X
	}
}

// Step advances the simulation one tick. It returns the next state and the
// seat that scored this tick, or -1 if nobody did. On a goal the ball and
// paddles reset and the ball is served toward the conceding seat.
func Step(s State, moves [2]Move) (State, int) {
	next := s

	for i, m := range moves {
		if !m.Active {
			continue
		}
		switch m.Dir {
		case DirUp:
			next.PaddleY[i] -= PaddleSpeed
		case DirDown:
			next.PaddleY[i] += PaddleSpeed
		}
		next.PaddleY[i] = clamp(next.PaddleY[i], 0, CourtHeight-PaddleHeight)
	}

	next.Ball.X += next.Vel.X
	next.Ball.Y += next.Vel.Y

	// Top and bottom wall bounces.
	if next.Ball.Y-BallRadius <= 0 && next.Vel.Y < 0 {
		next.Ball.Y = BallRadius
		next.Vel.Y = -next.Vel.Y
	}
	if next.Ball.Y+BallRadius >= CourtHeight && next.Vel.Y > 0 {
		next.Ball.Y = CourtHeight - BallRadius
		next.Vel.Y = -next.Vel.Y
	}

	// Paddle collisions. The deflection angle follows the hit offset from the
	// paddle center, and each return gains a little speed.
	if next.Vel.X < 0 && next.Ball.X-BallRadius <= PaddleWidth &&
		overlapsPaddle(next.Ball.Y, next.PaddleY[0]) {
		next.Ball.X = PaddleWidth + BallRadius
		next.bounceOff(0)
	}
	if next.Vel.X > 0 && next.Ball.X+BallRadius >= CourtWidth-PaddleWidth &&
		overlapsPaddle(next.Ball.Y, next.PaddleY[1]) {
		next.Ball.X = CourtWidth - PaddleWidth - BallRadius
		next.bounceOff(1)
	}

	// Goals: ball fully past a goal line.
	scorer := -1
	switch {
	case next.Ball.X+BallRadius < 0:
		scorer = 1
	case next.Ball.X-BallRadius > CourtWidth:
		scorer = 0
	}
	if scorer >= 0 {
		next.Score[scorer]++
		next.PaddleY = [2]float64{
			CourtHeight/2 - PaddleHeight/2,
			CourtHeight/2 - PaddleHeight/2,
		}
		next.serve(1 - scorer)
	}

	return next, scorer
}

func (s *State) bounceOff(seat int) {
	center := s.PaddleY[seat] + PaddleHeight/2
	ratio := clamp((s.Ball.Y-center)/(PaddleHeight/2), -1, 1)
	angle := ratio * maxBounceAngle
	speed := math.Hypot(s.Vel.X, s.Vel.Y) * speedGain
	s.Vel.X = speed * math.Cos(angle)
	s.Vel.Y = speed * math.Sin(angle)
	if seat == 1 {
		s.Vel.X = -s.Vel.X
	}
}

func overlapsPaddle(ballY, paddleY float64) bool {
	return ballY+BallRadius > paddleY && ballY-BallRadius < paddleY+PaddleHeight
}

// Frame packs the state into the wire layout: p1x, p1y, p2x, p2y, ballx, bally.
func (s State) Frame() [6]float64 {
	return [6]float64{
		0, s.PaddleY[0],
		CourtWidth - PaddleWidth, s.PaddleY[1],
		s.Ball.X, s.Ball.Y,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
