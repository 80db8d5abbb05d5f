// Package teleop is the robot side of the tactile teleoperation control
// plane. A VR operator streams controller frames to the robot; the robot
// turns them into per-component control goals and drives an SO-101 follower
// arm, optionally publishing camera video and telemetry back.
//
// # Usage
//
// Calibrate the follower arm and write its config section:
//
//	tactile setup
//
// Start teleoperation:
//
//	tactile -c tactile.yaml teleoperate
//
// For development, run the auth and signaling backend and drive the robot
// with a simulated operator:
//
//	tactile-backend -c tactile.yaml
//	tactile -c tactile.yaml simulate
//
// # Packages
//
//   - pkg/tactile: the API a robot program uses (control goals, cameras, raw nodes)
//   - pkg/control: controller frame parsing and goal aggregation
//   - pkg/connection: node lifecycle and shared session handling
//   - pkg/node: transport-neutral node interfaces with webrtc and nats backends
//   - pkg/auth: credential exchange with the auth service
//   - pkg/backend: development auth and signaling server
//   - pkg/robot: SO-101 arm driver, calibration and follower
//   - pkg/teleop: the robot-side control loop
package teleop
