package pong

import (
	"math"
	"math/rand"
)

// Court geometry on a 0-100 plane for both axes.
const (
	CourtMin = 0.0
	CourtMax = 100.0

	PaddleHalfHeight = 7.5
	PaddleWidth      = 3.0
	PaddleInset      = 2.0
	BallRadius       = 1.0

	PaddleMin  = 10.0
	PaddleMax  = 90.0
	PaddleStep = 3.0

	// StepScale scales velocity into per-tick displacement.
	StepScale       = 0.6
	HitAcceleration = 1.05
	SpinFactor      = 1.5
	MaxSpeedX       = 3.0
	MaxSpeedY       = 2.5
	LaunchSpeedX    = 1.2
	LaunchSpeedY    = 1.0

	CountdownSeconds    = 3
	DefaultWinningScore = 5
)

// Paddle faces: the x-plane the ball's leading edge must cross to be returned.
const (
	leftFace  = CourtMin + PaddleInset + PaddleWidth
	rightFace = CourtMax - PaddleInset - PaddleWidth
)

type event int

const (
	eventNone event = iota
	eventWall
	eventPaddle1
	eventPaddle2
	eventScore1
	eventScore2
)

// step integrates the ball for one tick and resolves walls, paddles and exits.
// It may report a wall bounce and a paddle hit in the same tick; the returned
// event is the most significant one.
func step(s *MatchState) event {
	prevX := s.BallX
	s.BallX += s.BallDx * StepScale
	s.BallY += s.BallDy * StepScale

	ev := eventNone
	top, bottom := CourtMin+BallRadius, CourtMax-BallRadius
	if s.BallY < top {
		s.BallY = top
		s.BallDy = -s.BallDy
		ev = eventWall
	} else if s.BallY > bottom {
		s.BallY = bottom
		s.BallDy = -s.BallDy
		ev = eventWall
	}

	switch {
	case s.BallDx < 0 && prevX-BallRadius >= leftFace && s.BallX-BallRadius <= leftFace && onPaddle(s.BallY, s.Paddle1Y):
		s.BallDx = -s.BallDx * HitAcceleration
		s.BallDy += spin(s.BallY, s.Paddle1Y)
		s.BallX = leftFace + BallRadius
		clampVelocity(s)
		return eventPaddle1
	case s.BallDx > 0 && prevX+BallRadius <= rightFace && s.BallX+BallRadius >= rightFace && onPaddle(s.BallY, s.Paddle2Y):
		s.BallDx = -s.BallDx * HitAcceleration
		s.BallDy += spin(s.BallY, s.Paddle2Y)
		s.BallX = rightFace - BallRadius
		clampVelocity(s)
		return eventPaddle2
	}

	switch {
	case s.BallX+BallRadius < CourtMin:
		return eventScore2
	case s.BallX-BallRadius > CourtMax:
		return eventScore1
	}

	clampVelocity(s)
	return ev
}

func onPaddle(ballY, paddleY float64) bool {
	return ballY >= paddleY-PaddleHalfHeight && ballY <= paddleY+PaddleHalfHeight
}

// spin is proportional to how far from the paddle centre the ball struck.
func spin(ballY, paddleY float64) float64 {
	offset := (ballY - paddleY) / PaddleHalfHeight
	return offset * SpinFactor
}

func clampVelocity(s *MatchState) {
	s.BallDx = clamp(s.BallDx, -MaxSpeedX, MaxSpeedX)
	s.BallDy = clamp(s.BallDy, -MaxSpeedY, MaxSpeedY)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func centerBall(s *MatchState) {
	s.BallX, s.BallY = 50, 50
	s.BallDx, s.BallDy = 0, 0
}

// launch serves from the centre in a random horizontal direction with a random
// vertical component.
func launch(s *MatchState, rng *rand.Rand) {
	centerBall(s)
	s.BallDx = LaunchSpeedX
	if rng.Intn(2) == 0 {
		s.BallDx = -LaunchSpeedX
	}
	s.BallDy = (rng.Float64()*2 - 1) * LaunchSpeedY
}

// movePaddle nudges y by one step in dir and clamps it to the playable range.
func movePaddle(y float64, dir Direction) float64 {
	if dir == Up {
		y -= PaddleStep
	} else {
		y += PaddleStep
	}
	return clamp(y, PaddleMin, PaddleMax)
}
